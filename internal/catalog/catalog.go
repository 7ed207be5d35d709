// Package catalog holds the narrative content shared by every session:
// library prompts, kintsugi cracks, capsule types and the week tuning knobs.
package catalog

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

//go:embed content.yaml
var defaultFiles embed.FS

var (
	// ErrInvalidCatalog indicates that the loaded content fails validation.
	ErrInvalidCatalog = errors.New("catalog: invalid content")
)

// Catalog is the decoded content document.
type Catalog struct {
	Door          DoorContent          `yaml:"door"`
	Library       LibraryContent       `yaml:"library"`
	Constellation ConstellationContent `yaml:"constellation"`
	Kintsugi      TracingContent       `yaml:"kintsugi"`
	Capsules      CapsuleContent       `yaml:"capsules"`
	Words         WordsContent         `yaml:"words"`
	Week          WeekContent          `yaml:"week"`
}

type DoorContent struct {
	Key string `yaml:"key"`
}

type LibraryContent struct {
	AnswersPerPrompt int      `yaml:"answers_per_prompt"`
	RequiredAnswers  int      `yaml:"required_answers"`
	Prompts          []string `yaml:"prompts"`
}

// CompletionThreshold is the number of non-prompt messages that completes the library.
func (l LibraryContent) CompletionThreshold() int {
	return l.RequiredAnswers * 2
}

type ConstellationContent struct {
	StarsPerPartner int `yaml:"stars_per_partner"`
}

// TracingContent tunes a trace-the-path puzzle.
type TracingContent struct {
	TargetRadius        float64 `yaml:"target_radius"`
	RepairRatePerSecond float64 `yaml:"repair_rate_per_second"`
	Path                string  `yaml:"path"`
	Cracks              []Crack `yaml:"cracks"`
}

type Crack struct {
	ID     string `yaml:"id"`
	Label  string `yaml:"label"`
	Prompt string `yaml:"prompt"`
	Path   string `yaml:"path"`
}

type CapsuleContent struct {
	Types []CapsuleType `yaml:"types"`
}

type CapsuleType struct {
	ID     string `yaml:"id"`
	Label  string `yaml:"label"`
	Prompt string `yaml:"prompt"`
}

type WordsContent struct {
	Window time.Duration `yaml:"window"`
}

type WeekContent struct {
	RoseNotesPerPartner int            `yaml:"rose_notes_per_partner"`
	ChocolateDates      []string       `yaml:"chocolate_dates"`
	Teddy               TracingContent `yaml:"teddy"`
	Promise             PromiseContent `yaml:"promise"`
	HugDuration         time.Duration  `yaml:"hug_duration"`
}

type PromiseContent struct {
	HandADefault float64 `yaml:"hand_a_default"`
	HandBDefault float64 `yaml:"hand_b_default"`
	HandMin      float64 `yaml:"hand_min"`
	HandMax      float64 `yaml:"hand_max"`
	LockDistance float64 `yaml:"lock_distance"`
	LockCenter   float64 `yaml:"lock_center"`
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Load("")
}

// MustDefault returns the embedded catalog and panics if it cannot be decoded.
func MustDefault() *Catalog {
	cat, err := Default()
	if err != nil {
		panic(err)
	}
	return cat
}

// Load decodes the embedded defaults and overlays the optional override file.
// Keys missing from the override keep their embedded values.
func Load(overridePath string) (*Catalog, error) {
	raw, err := fs.ReadFile(defaultFiles, "content.yaml")
	if err != nil {
		return nil, fmt.Errorf("read embedded content: %w", err)
	}
	cat := &Catalog{}
	if err := yaml.Unmarshal(raw, cat); err != nil {
		return nil, fmt.Errorf("parse embedded content: %w", err)
	}

	if path := strings.TrimSpace(overridePath); path != "" {
		override, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(override, cat); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := cat.validate(); err != nil {
		return nil, err
	}
	return cat, nil
}

// Crack returns the crack with the given identifier.
func (c *Catalog) Crack(id string) (Crack, bool) {
	for _, crack := range c.Kintsugi.Cracks {
		if crack.ID == id {
			return crack, true
		}
	}
	return Crack{}, false
}

// CapsuleType reports whether id names a known capsule type.
func (c *Catalog) CapsuleType(id string) (CapsuleType, bool) {
	for _, capsuleType := range c.Capsules.Types {
		if capsuleType.ID == id {
			return capsuleType, true
		}
	}
	return CapsuleType{}, false
}

// IsChocolateDate reports whether value is one of the selectable memory dates.
func (c *Catalog) IsChocolateDate(value string) bool {
	for _, date := range c.Week.ChocolateDates {
		if date == value {
			return true
		}
	}
	return false
}

func (c *Catalog) validate() error {
	if strings.TrimSpace(c.Door.Key) == "" {
		return fmt.Errorf("%w: door key is empty", ErrInvalidCatalog)
	}
	if len(c.Library.Prompts) == 0 {
		return fmt.Errorf("%w: library has no prompts", ErrInvalidCatalog)
	}
	if c.Library.RequiredAnswers <= 0 || c.Library.AnswersPerPrompt <= 0 {
		return fmt.Errorf("%w: library thresholds must be positive", ErrInvalidCatalog)
	}
	if c.Constellation.StarsPerPartner <= 0 {
		return fmt.Errorf("%w: stars per partner must be positive", ErrInvalidCatalog)
	}
	if len(c.Kintsugi.Cracks) == 0 {
		return fmt.Errorf("%w: kintsugi has no cracks", ErrInvalidCatalog)
	}
	seen := make(map[string]struct{}, len(c.Kintsugi.Cracks))
	for _, crack := range c.Kintsugi.Cracks {
		if crack.ID == "" || crack.Path == "" {
			return fmt.Errorf("%w: crack requires id and path", ErrInvalidCatalog)
		}
		if _, dup := seen[crack.ID]; dup {
			return fmt.Errorf("%w: duplicate crack %q", ErrInvalidCatalog, crack.ID)
		}
		seen[crack.ID] = struct{}{}
	}
	if c.Kintsugi.TargetRadius <= 0 || c.Kintsugi.RepairRatePerSecond <= 0 {
		return fmt.Errorf("%w: kintsugi tuning must be positive", ErrInvalidCatalog)
	}
	if len(c.Capsules.Types) == 0 {
		return fmt.Errorf("%w: no capsule types", ErrInvalidCatalog)
	}
	if c.Words.Window <= 0 {
		return fmt.Errorf("%w: words window must be positive", ErrInvalidCatalog)
	}
	if c.Week.Teddy.Path == "" || c.Week.Teddy.TargetRadius <= 0 || c.Week.Teddy.RepairRatePerSecond <= 0 {
		return fmt.Errorf("%w: teddy tracing is incomplete", ErrInvalidCatalog)
	}
	if len(c.Week.ChocolateDates) == 0 {
		return fmt.Errorf("%w: no chocolate dates", ErrInvalidCatalog)
	}
	if c.Week.HugDuration <= 0 || c.Week.RoseNotesPerPartner <= 0 {
		return fmt.Errorf("%w: week tuning must be positive", ErrInvalidCatalog)
	}
	return nil
}
