package beacon

import "sync"

// Properties holds global properties merged into every tracked record.
type Properties struct {
	values map[string]any
	mu     sync.RWMutex
}

// NewProperties creates an empty property set.
func NewProperties() *Properties {
	return &Properties{
		values: make(map[string]any),
	}
}

// Set validates key and sets a property value.
func (p *Properties) Set(key string, value any) error {
	if !validName(key) {
		return ErrInvalidPropertyKey
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[key] = value
	return nil
}

// GetAll returns all properties as a copy
func (p *Properties) GetAll() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make(map[string]any, len(p.values))
	for k, v := range p.values {
		result[k] = v
	}
	return result
}

// MergeInto copies every property into r without overwriting keys r
// already has.
func (p *Properties) MergeInto(r Record) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for k, v := range p.values {
		if _, ok := r[k]; !ok {
			r[k] = v
		}
	}
}
