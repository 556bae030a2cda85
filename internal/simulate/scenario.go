// Package simulate drives a playback session against the simulated player
// from a YAML script, on a fake clock, and reports what the guard and the
// progress synchronizer did.
package simulate

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/treefix50/watchguard/internal/playback"
)

const DefaultDuration = 600.0

// Scenario is a scripted viewing session. The first video is loaded before
// the first step runs.
type Scenario struct {
	Name           string             `yaml:"name"`
	Videos         []playback.Video   `yaml:"videos"`
	Duration       float64            `yaml:"duration"`
	Durations      map[string]float64 `yaml:"durations"`
	Tolerance      *float64           `yaml:"tolerance"`
	FlushInterval  time.Duration      `yaml:"flush_interval"`
	RequirePlaying bool               `yaml:"require_playing"`
	DefaultQuality string             `yaml:"default_quality"`
	// Saved seeds the progress store before the session starts.
	Saved map[string]float64 `yaml:"saved"`
	Steps []Step             `yaml:"steps"`
}

// Step is one scripted action. In YAML a step is either a bare action
// ("play", "pause", "hide", "close") or a single-key mapping
// ("wait: 30s", "seek: 120", "quality: 480p", "load: other", "expect: {...}").
type Step struct {
	Action  string
	Wait    time.Duration
	Seconds float64
	Value   string
	Expect  *Expect
}

// Expect checks session state at a point in the script. Unset fields are
// not checked.
type Expect struct {
	Time      *float64 `yaml:"time"`
	Watermark *float64 `yaml:"watermark"`
	Quality   string   `yaml:"quality"`
	Playing   *bool    `yaml:"playing"`
	// Saved is the stored position of the current video.
	Saved   *float64 `yaml:"saved"`
	Blocked *int     `yaml:"blocked"`
}

const (
	ActionPlay    = "play"
	ActionPause   = "pause"
	ActionWait    = "wait"
	ActionSeek    = "seek"
	ActionQuality = "quality"
	ActionLoad    = "load"
	ActionHide    = "hide"
	ActionClose   = "close"
	ActionExpect  = "expect"
)

func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		switch node.Value {
		case ActionPlay, ActionPause, ActionHide, ActionClose:
			s.Action = node.Value
			return nil
		}
		return fmt.Errorf("line %d: unknown step %q", node.Line, node.Value)
	case yaml.MappingNode:
		if len(node.Content) != 2 {
			return fmt.Errorf("line %d: a step has exactly one action", node.Line)
		}
	default:
		return fmt.Errorf("line %d: a step is an action or a single-key mapping", node.Line)
	}

	key, value := node.Content[0].Value, node.Content[1]
	s.Action = key
	switch key {
	case ActionPlay, ActionPause, ActionHide, ActionClose:
		var on bool
		if err := value.Decode(&on); err != nil || !on {
			return fmt.Errorf("line %d: %s takes no argument", node.Line, key)
		}
	case ActionWait:
		d, err := time.ParseDuration(value.Value)
		if err != nil || d <= 0 {
			return fmt.Errorf("line %d: wait needs a positive duration, got %q", node.Line, value.Value)
		}
		s.Wait = d
	case ActionSeek:
		t, err := strconv.ParseFloat(value.Value, 64)
		if err != nil {
			return fmt.Errorf("line %d: seek needs seconds, got %q", node.Line, value.Value)
		}
		s.Seconds = t
	case ActionQuality, ActionLoad:
		if value.Value == "" {
			return fmt.Errorf("line %d: %s needs a value", node.Line, key)
		}
		s.Value = value.Value
	case ActionExpect:
		var e Expect
		if err := value.Decode(&e); err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		s.Expect = &e
	default:
		return fmt.Errorf("line %d: unknown step %q", node.Line, key)
	}
	return nil
}

func (s Step) String() string {
	switch s.Action {
	case ActionWait:
		return "wait " + s.Wait.String()
	case ActionSeek:
		return "seek " + strconv.FormatFloat(s.Seconds, 'f', -1, 64)
	case ActionQuality, ActionLoad:
		return s.Action + " " + s.Value
	}
	return s.Action
}

// Parse decodes and validates a scenario.
func Parse(data []byte) (Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return sc, fmt.Errorf("simulate: %w", err)
	}
	if sc.Duration == 0 {
		sc.Duration = DefaultDuration
	}
	return sc, sc.Validate()
}

func LoadFile(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("simulate: %w", err)
	}
	return Parse(data)
}

func (sc Scenario) Validate() error {
	var errs []error
	if len(sc.Videos) == 0 {
		errs = append(errs, errors.New("simulate: no videos"))
	}
	ids := map[string]bool{}
	for i, v := range sc.Videos {
		if v.ID == "" {
			errs = append(errs, fmt.Errorf("simulate: video %d has no id", i))
		}
		if len(v.Qualities) == 0 {
			errs = append(errs, fmt.Errorf("simulate: video %q has no qualities", v.ID))
		}
		ids[v.ID] = true
	}
	if sc.Duration < 0 {
		errs = append(errs, errors.New("simulate: negative duration"))
	}
	if sc.Tolerance != nil && *sc.Tolerance < 0 {
		errs = append(errs, errors.New("simulate: negative tolerance"))
	}
	if sc.FlushInterval < 0 {
		errs = append(errs, errors.New("simulate: negative flush interval"))
	}
	for i, st := range sc.Steps {
		if st.Action == ActionLoad && !ids[st.Value] {
			errs = append(errs, fmt.Errorf("simulate: step %d loads unknown video %q", i+1, st.Value))
		}
	}
	return errors.Join(errs...)
}

func (sc Scenario) video(id string) (playback.Video, bool) {
	for _, v := range sc.Videos {
		if v.ID == id {
			return v, true
		}
	}
	return playback.Video{}, false
}

func (sc Scenario) durationOf(id string) float64 {
	if d, ok := sc.Durations[id]; ok && d > 0 {
		return d
	}
	return sc.Duration
}
