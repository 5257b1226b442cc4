package hook

import (
	"sync"

	"rcptprobe/internal/engine"
)

// transaction is the per-request view of the host's mail transaction. The
// engine records on it and the handler serializes it back to the host.
type transaction struct {
	mailFrom string

	mu       sync.Mutex
	results  []engine.Result
	notes    map[string]string
	relaying bool
}

var _ engine.Transaction = (*transaction)(nil)

func newTransaction(mailFrom string) *transaction {
	return &transaction{mailFrom: mailFrom, notes: make(map[string]string)}
}

func (t *transaction) MailFrom() string {
	return t.mailFrom
}

func (t *transaction) AddResult(r engine.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.results = append(t.results, r)
}

func (t *transaction) SetNote(key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notes[key] = value
}

func (t *transaction) MarkRelaying() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.relaying = true
}

func (t *transaction) snapshot() (results []engine.Result, notes map[string]string, relaying bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	results = append([]engine.Result(nil), t.results...)
	notes = make(map[string]string, len(t.notes))
	for k, v := range t.notes {
		notes[k] = v
	}
	return results, notes, t.relaying
}
