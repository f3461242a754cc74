package broker

import (
	"fmt"
	"slices"
	"strings"
)

// Binding routes messages from an exchange whose routing key matches Pattern.
type Binding struct {
	Exchange string
	Pattern  string
}

// Queue is a named queue and its bindings.
type Queue struct {
	Name     string
	Bindings []Binding
}

// Topology is the fixed registry of exchanges and queues. It is built once at
// startup and only read afterwards.
type Topology struct {
	exchanges []string
	queues    map[string]Queue
	order     []string
}

// NewTopology validates and indexes exchanges and queues.
func NewTopology(exchanges []string, queues []Queue) (*Topology, error) {
	t := &Topology{queues: make(map[string]Queue, len(queues))}
	for _, ex := range exchanges {
		if strings.TrimSpace(ex) == "" {
			return nil, fmt.Errorf("exchange name is required")
		}
		if slices.Contains(t.exchanges, ex) {
			return nil, fmt.Errorf("duplicate exchange %q", ex)
		}
		t.exchanges = append(t.exchanges, ex)
	}
	for _, q := range queues {
		if strings.TrimSpace(q.Name) == "" {
			return nil, fmt.Errorf("queue name is required")
		}
		if _, dup := t.queues[q.Name]; dup {
			return nil, fmt.Errorf("duplicate queue %q", q.Name)
		}
		for _, b := range q.Bindings {
			if !slices.Contains(t.exchanges, b.Exchange) {
				return nil, fmt.Errorf("queue %q binds unknown exchange %q", q.Name, b.Exchange)
			}
			if b.Pattern == "" {
				return nil, fmt.Errorf("queue %q has an empty binding pattern", q.Name)
			}
		}
		q.Bindings = slices.Clone(q.Bindings)
		t.queues[q.Name] = q
		t.order = append(t.order, q.Name)
	}
	return t, nil
}

// Exchanges lists exchange names in declaration order.
func (t *Topology) Exchanges() []string {
	return slices.Clone(t.exchanges)
}

// HasExchange reports whether name is a declared exchange.
func (t *Topology) HasExchange(name string) bool {
	return slices.Contains(t.exchanges, name)
}

// Queue looks up a queue by name.
func (t *Topology) Queue(name string) (Queue, error) {
	q, ok := t.queues[name]
	if !ok {
		return Queue{}, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	return q, nil
}

// BoundTo lists queues with at least one binding on exchange.
func (t *Topology) BoundTo(exchange string) []Queue {
	var out []Queue
	for _, name := range t.order {
		q := t.queues[name]
		for _, b := range q.Bindings {
			if b.Exchange == exchange {
				out = append(out, q)
				break
			}
		}
	}
	return out
}

// Route lists the queues that receive a message published to exchange with routingKey.
func (t *Topology) Route(exchange, routingKey string) []string {
	var out []string
	for _, q := range t.BoundTo(exchange) {
		for _, b := range q.Bindings {
			if b.Exchange == exchange && MatchTopic(b.Pattern, routingKey) {
				out = append(out, q.Name)
				break
			}
		}
	}
	return out
}

// MatchTopic applies topic-exchange matching: words are dot separated,
// "*" matches exactly one word and "#" matches zero or more.
func MatchTopic(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}
