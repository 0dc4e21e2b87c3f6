package hashing

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"guard-service/internal/config"
	"guard-service/internal/util"
)

var (
	ErrInvalidFingerprint = errors.New("invalid fingerprint format")
	ErrUnknownPepper      = errors.New("pepper version not found")
	ErrPepperTooLong      = errors.New("pepper longer than 64 bytes")
	ErrPepperVersionInUse = errors.New("pepper version already registered")
)

type Pepper struct {
	Value   []byte
	Version int
}

// Fingerprinter derives stable, non-reversible identifiers for guard keys
// so evidence can be correlated without storing the raw key. Output has
// the form "v<version>:<hex>"; retired peppers stay verifiable.
type Fingerprinter struct {
	current *Pepper
	retired []*Pepper
	mu      sync.RWMutex
}

func NewFingerprinter(cfg *config.Config) (*Fingerprinter, error) {
	p, err := newPepper(cfg.Hashing.Pepper, cfg.Hashing.PepperVersion)
	if err != nil {
		return nil, err
	}
	return &Fingerprinter{current: p}, nil
}

func newPepper(value string, version int) (*Pepper, error) {
	if len(value) > blake2b.Size {
		return nil, ErrPepperTooLong
	}
	return &Pepper{Value: []byte(value), Version: version}, nil
}

// Rotate makes value the current pepper and keeps the previous one for
// Verify. Only the last two retired peppers are kept.
func (f *Fingerprinter) Rotate(value string, version int) error {
	p, err := newPepper(value, version)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.lookup(version) != nil {
		return fmt.Errorf("%w: %d", ErrPepperVersionInUse, version)
	}
	f.retired = append(f.retired, f.current)
	if len(f.retired) > 2 {
		f.retired = f.retired[len(f.retired)-2:]
	}
	f.current = p

	util.Info("Fingerprint pepper rotated", zap.Int("version", version))
	return nil
}

func (f *Fingerprinter) Fingerprint(key string) string {
	f.mu.RLock()
	p := f.current
	f.mu.RUnlock()

	return "v" + strconv.Itoa(p.Version) + ":" + hex.EncodeToString(sum(p.Value, key))
}

// Verify reports whether fingerprint was derived from key under any
// pepper this Fingerprinter still holds.
func (f *Fingerprinter) Verify(key, fingerprint string) (bool, error) {
	versionPart, digestHex, ok := strings.Cut(fingerprint, ":")
	if !ok || !strings.HasPrefix(versionPart, "v") {
		return false, ErrInvalidFingerprint
	}
	version, err := strconv.Atoi(versionPart[1:])
	if err != nil {
		return false, ErrInvalidFingerprint
	}
	expected, err := hex.DecodeString(digestHex)
	if err != nil {
		return false, ErrInvalidFingerprint
	}

	f.mu.RLock()
	p := f.lookup(version)
	f.mu.RUnlock()
	if p == nil {
		return false, fmt.Errorf("%w: %d", ErrUnknownPepper, version)
	}

	return subtle.ConstantTimeCompare(sum(p.Value, key), expected) == 1, nil
}

// CurrentVersion returns the version of the pepper new fingerprints use.
func (f *Fingerprinter) CurrentVersion() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current.Version
}

// lookup expects f.mu to be held.
func (f *Fingerprinter) lookup(version int) *Pepper {
	if f.current.Version == version {
		return f.current
	}
	for _, p := range f.retired {
		if p.Version == version {
			return p
		}
	}
	return nil
}

func sum(pepper []byte, key string) []byte {
	// New256 only fails for keys over 64 bytes, rejected in newPepper
	h, _ := blake2b.New256(pepper)
	h.Write([]byte(key))
	return h.Sum(nil)
}
