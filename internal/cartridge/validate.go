package cartridge

import (
	"errors"
	"fmt"
)

// Validate checks a [TaskCartridge] for structural consistency.
//
// Rules:
//   - TaskID must be non-empty; phase ids must be non-empty and unique.
//   - An AI phase needs the cartridge's ai_config, a freeform interaction,
//     and a complete ai_transitions map whose targets name existing phases.
//   - Freeform bounds: min_exchanges ≥ 1, max_exchanges ≥ min_exchanges.
//   - ai_config.model_tier, when present, must be a recognised tier.
//   - safety.intensity_ceiling must be within 1–5.
func Validate(c *TaskCartridge) error {
	var errs []error

	if c.TaskID == "" {
		errs = append(errs, errors.New("task_id must not be empty"))
	}
	if len(c.Phases) == 0 {
		errs = append(errs, errors.New("phases must not be empty"))
	}

	ids := make(map[string]bool, len(c.Phases))
	for i := range c.Phases {
		p := &c.Phases[i]
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("phase[%d]: id must not be empty", i))
			continue
		}
		if ids[p.ID] {
			errs = append(errs, fmt.Errorf("phase %q: duplicate id", p.ID))
		}
		ids[p.ID] = true
	}

	for i := range c.Phases {
		p := &c.Phases[i]
		if !p.IsAIPhase {
			continue
		}
		if c.AIConfig == nil {
			errs = append(errs, fmt.Errorf("phase %q: is_ai_phase requires ai_config", p.ID))
		}
		ff := p.Freeform()
		if ff == nil {
			errs = append(errs, fmt.Errorf("phase %q: AI phase requires a freeform interaction", p.ID))
		} else {
			if ff.MinExchanges < 1 {
				errs = append(errs, fmt.Errorf("phase %q: min_exchanges must be ≥ 1, got %d", p.ID, ff.MinExchanges))
			}
			if ff.MaxExchanges < ff.MinExchanges {
				errs = append(errs, fmt.Errorf("phase %q: max_exchanges %d must be ≥ min_exchanges %d",
					p.ID, ff.MaxExchanges, ff.MinExchanges))
			}
		}
		if !p.AITransitions.Complete() {
			errs = append(errs, fmt.Errorf("phase %q: AI phase requires a complete ai_transitions map", p.ID))
		} else {
			for signal, target := range map[string]string{
				"on_success":       p.AITransitions.OnSuccess,
				"on_partial":       p.AITransitions.OnPartial,
				"on_max_exchanges": p.AITransitions.OnMaxExchanges,
			} {
				if !ids[target] {
					errs = append(errs, fmt.Errorf("phase %q: %s target %q is not a phase", p.ID, signal, target))
				}
			}
		}
	}

	if c.AIConfig != nil && !c.AIConfig.ModelTier.IsValid() {
		errs = append(errs, fmt.Errorf("ai_config: model_tier %q is not a recognised tier", c.AIConfig.ModelTier))
	}
	if ceil := c.Safety.IntensityCeiling; ceil != 0 && (ceil < 1 || ceil > 5) {
		errs = append(errs, fmt.Errorf("safety: intensity_ceiling %d must be within 1–5", ceil))
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
