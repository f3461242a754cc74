package config

import "github.com/JakeFAU/bonanza/internal/task"

// DefaultTopology declares the exchanges and queues of the default deployment.
func DefaultTopology() TopologyConfig {
	return TopologyConfig{
		Exchanges: []string{"requests", "listings", "analysis"},
		Queues: []QueueConfig{
			{Name: "craigslist_search", Bindings: []BindingConfig{{Exchange: "requests", Key: "requests.craigslist.#"}}},
			{Name: "craigslist_ingest", Bindings: []BindingConfig{{Exchange: "listings", Key: "listings.craigslist"}}},
			{Name: "homepath_search", Bindings: []BindingConfig{{Exchange: "requests", Key: "requests.homepath.#"}}},
			{Name: "homepath_ingest", Bindings: []BindingConfig{{Exchange: "listings", Key: "listings.homepath"}}},
			{Name: "analysis_census_blocks", Bindings: []BindingConfig{{Exchange: "analysis", Key: "analysis.census_blocks.#"}}},
		},
	}
}

// DefaultTasks is the full crawl and analysis deployment.
func DefaultTasks() map[string]TaskConfig {
	daily := func(hour int) task.ScheduleConfig {
		return task.ScheduleConfig{Frequency: "DAILY", Hours: []int{hour}, Minutes: []int{0}}
	}
	return map[string]TaskConfig{
		"craigslist-producer": {
			Type:        TypeProducer,
			Schedule:    daily(2),
			Exchange:    "requests",
			RoutingKey:  "requests.craigslist.subdomain",
			Source:      "craigslist",
			TargetsFile: "regions.yaml",
		},
		"craigslist-search": {
			Type:    TypeSearch,
			Workers: 2,
			Queues:  []string{"craigslist_search"},
			Rate:    RateConfig{PerSecond: 0.5, Capacity: 5},
		},
		"craigslist-ingest": {
			Type:    TypeIngest,
			Workers: 2,
			Queues:  []string{"craigslist_ingest"},
		},
		"homepath-producer": {
			Type:       TypeProducer,
			Schedule:   daily(3),
			Exchange:   "requests",
			RoutingKey: "requests.homepath.results",
			Source:     "homepath",
		},
		"homepath-search": {
			Type:   TypeSearch,
			Queues: []string{"homepath_search"},
			Rate:   RateConfig{PerSecond: 0.2, Capacity: 2},
		},
		"homepath-ingest": {
			Type:   TypeIngest,
			Queues: []string{"homepath_ingest"},
		},
		"block-producer": {
			Type:     TypeBlockProducer,
			Schedule: daily(6),
		},
		"block-analysis": {
			Type:    TypeBlockAnalysis,
			Workers: 2,
			Queues:  []string{"analysis_census_blocks"},
		},
	}
}
