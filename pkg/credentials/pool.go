// Package credentials tracks the API keys available to the harvester and
// rotates between them as each one exhausts its daily quota.
//
// A single Pool is shared by every worker of a process. All reads and
// rotations go through one mutex; rotation is idempotent, so two workers
// racing to rotate after the same quota error simply converge on the same
// next available key.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var credentialsAvailable = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "harvest_credentials_available",
	Help: "Number of credentials not yet exhausted in the current quota period",
})

var (
	// ErrNoCredentialAvailable is returned when the pool is empty or every
	// credential is exhausted.
	ErrNoCredentialAvailable = errors.New("no credential available")

	// ErrLastCredential is returned when removing the only remaining credential.
	ErrLastCredential = errors.New("cannot remove the last credential")

	// ErrUnknownCredential is returned when a key is not part of the pool.
	ErrUnknownCredential = errors.New("unknown credential")

	// ErrDuplicateCredential is returned when adding a key already in the pool.
	ErrDuplicateCredential = errors.New("credential already present")
)

// Credential is a snapshot of one API key and its usage in the current period.
// Credentials are handed out by value; the pool identifies them by Key.
type Credential struct {
	Key       string
	Usage     int
	Exhausted bool
}

// Fingerprint returns a loggable identifier of the credential.
func (c Credential) Fingerprint() string {
	return Fingerprint(c.Key)
}

// Fingerprint returns the last four characters of a key for logging.
func Fingerprint(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "..." + key[len(key)-4:]
}

// Mirror durably stores the credential list.
type Mirror interface {
	Load(ctx context.Context) ([]string, error)
	Save(ctx context.Context, keys []string) error
}

// Pool holds the ordered credential list and the current-use pointer.
type Pool struct {
	mu      sync.Mutex
	creds   []*Credential
	current int
	mirror  Mirror
	logger  zerolog.Logger
}

// NewPool creates a pool from the given keys. Empty and duplicate keys are ignored.
func NewPool(keys []string) *Pool {
	p := &Pool{
		logger: log.With().Str("component", "credential-pool").Logger(),
	}
	p.creds = buildCredentials(keys)
	p.publish()
	return p
}

// NewPoolFromMirror loads the credential list from mirror and keeps the mirror
// for later Add and Remove calls.
func NewPoolFromMirror(ctx context.Context, mirror Mirror) (*Pool, error) {
	keys, err := mirror.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	p := NewPool(keys)
	p.mirror = mirror
	return p, nil
}

// SetMirror attaches a durable mirror used by Add and Remove.
func (p *Pool) SetMirror(m Mirror) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mirror = m
}

func buildCredentials(keys []string) []*Credential {
	seen := make(map[string]bool, len(keys))
	creds := make([]*Credential, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		creds = append(creds, &Credential{Key: k})
	}
	return creds
}

// Len returns the number of credentials in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}

// Current returns the credential at the current index.
// ok is false if the pool is empty.
func (p *Pool) Current() (Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.creds) == 0 {
		return Credential{}, false
	}
	return *p.creds[p.current], true
}

// NextAvailable scans from the current index forward, wrapping around, for
// the first credential that is not exhausted. The current index is moved to
// it. ok is false if every credential is exhausted.
func (p *Pool) NextAvailable() (Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.creds)
	for i := 0; i < n; i++ {
		idx := (p.current + i) % n
		if !p.creds[idx].Exhausted {
			if idx != p.current {
				p.logger.Info().
					Str("credential", Fingerprint(p.creds[idx].Key)).
					Int("index", idx).
					Msg("Rotated to next credential")
			}
			p.current = idx
			return *p.creds[idx], true
		}
	}
	return Credential{}, false
}

// MarkExhausted flags the credential with the given key as exhausted for the
// rest of the quota period. Unknown keys are ignored.
func (p *Pool) MarkExhausted(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.find(key)
	if c == nil || c.Exhausted {
		return
	}
	c.Exhausted = true
	p.logger.Warn().
		Str("credential", Fingerprint(key)).
		Int("usage", c.Usage).
		Msg("Credential exhausted")
	p.publish()
}

// RecordUsage adds amount to the usage counter of the credential. It never
// rotates.
func (p *Pool) RecordUsage(key string, amount int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c := p.find(key); c != nil {
		c.Usage += amount
	}
}

// ResetPeriod clears every exhausted flag and usage counter and rewinds the
// current index to the first credential.
func (p *Pool) ResetPeriod() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.creds {
		c.Usage = 0
		c.Exhausted = false
	}
	p.current = 0
	p.publish()
	p.logger.Info().Int("credentials", len(p.creds)).Msg("Quota period reset")
}

// HasAvailable reports whether at least one credential is not exhausted.
func (p *Pool) HasAvailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available() > 0
}

// Snapshot returns a copy of every credential in pool order.
func (p *Pool) Snapshot() []Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Credential, len(p.creds))
	for i, c := range p.creds {
		out[i] = *c
	}
	return out
}

// Keys returns the credential keys in pool order.
func (p *Pool) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keys()
}

// Add appends a credential and persists the full list through the mirror.
func (p *Pool) Add(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("add credential: empty key")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.find(key) != nil {
		return ErrDuplicateCredential
	}
	p.creds = append(p.creds, &Credential{Key: key})
	if err := p.save(ctx); err != nil {
		p.creds = p.creds[:len(p.creds)-1]
		return err
	}
	p.publish()
	p.logger.Info().Str("credential", Fingerprint(key)).Msg("Credential added")
	return nil
}

// Remove deletes a credential and persists the full list through the mirror.
// The last remaining credential cannot be removed.
func (p *Pool) Remove(ctx context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := -1
	for i, c := range p.creds {
		if c.Key == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrUnknownCredential
	}
	if len(p.creds) == 1 {
		return ErrLastCredential
	}

	prev := p.creds
	prevCurrent := p.current

	p.creds = append(append([]*Credential{}, prev[:idx]...), prev[idx+1:]...)
	if p.current > idx || p.current >= len(p.creds) {
		p.current--
	}
	if p.current < 0 {
		p.current = 0
	}

	if err := p.save(ctx); err != nil {
		p.creds = prev
		p.current = prevCurrent
		return err
	}
	p.publish()
	p.logger.Info().Str("credential", Fingerprint(key)).Msg("Credential removed")
	return nil
}

func (p *Pool) find(key string) *Credential {
	for _, c := range p.creds {
		if c.Key == key {
			return c
		}
	}
	return nil
}

func (p *Pool) keys() []string {
	out := make([]string, len(p.creds))
	for i, c := range p.creds {
		out[i] = c.Key
	}
	return out
}

func (p *Pool) available() int {
	n := 0
	for _, c := range p.creds {
		if !c.Exhausted {
			n++
		}
	}
	return n
}

func (p *Pool) save(ctx context.Context) error {
	if p.mirror == nil {
		return nil
	}
	if err := p.mirror.Save(ctx, p.keys()); err != nil {
		return fmt.Errorf("persist credentials: %w", err)
	}
	return nil
}

func (p *Pool) publish() {
	credentialsAvailable.Set(float64(p.available()))
}
