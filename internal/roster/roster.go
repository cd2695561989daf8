// Package roster imports graduate lists from YAML files.
package roster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"ceremony/internal/ceremony"
)

// File is the roster document.
type File struct {
	Session   string                  `yaml:"session"`
	Graduates []ceremony.Registration `yaml:"graduates"`
}

// Result tallies an import.
type Result struct {
	Session        ceremony.Session
	SessionCreated bool
	Registered     int
	Skipped        int
}

// Load reads and validates a roster file.
func Load(path string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{}, err
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses a roster document, rejecting unknown keys.
func Decode(r io.Reader) (File, error) {
	var out File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&out); err != nil {
		return File{}, fmt.Errorf("decode roster: %w", err)
	}
	if err := out.Validate(); err != nil {
		return File{}, err
	}
	return out, nil
}

// Validate checks every entry and rejects duplicate student ids.
func (f *File) Validate() error {
	f.Session = strings.TrimSpace(f.Session)
	if f.Session == "" {
		return errors.New("roster: session is required")
	}
	var errs []error
	seen := make(map[string]int, len(f.Graduates))
	for i := range f.Graduates {
		g := &f.Graduates[i]
		if err := g.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("graduate %d: %w", i+1, err))
			continue
		}
		if prev, ok := seen[g.StudentID]; ok {
			errs = append(errs, fmt.Errorf("graduate %d: student %s already listed as graduate %d", i+1, g.StudentID, prev))
			continue
		}
		seen[g.StudentID] = i + 1
	}
	return errors.Join(errs...)
}

// Import creates the session if needed and registers every graduate,
// skipping those already registered.
func Import(ctx context.Context, lc *ceremony.Lifecycle, f File, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, created, err := lc.EnsureSession(ctx, f.Session)
	if err != nil {
		return Result{}, err
	}
	res := Result{Session: s, SessionCreated: created}
	for _, r := range f.Graduates {
		g, err := lc.RegisterGraduate(ctx, s.ID, r)
		switch {
		case errors.Is(err, ceremony.ErrAlreadyRegistered):
			res.Skipped++
			logger.Debug("graduate already registered", "student_id", r.StudentID)
		case err != nil:
			return res, fmt.Errorf("register %s: %w", r.StudentID, err)
		default:
			res.Registered++
			logger.Debug("graduate registered", "student_id", g.StudentID, "graduate_id", g.ID)
		}
	}
	return res, nil
}
