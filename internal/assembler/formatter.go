package assembler

import (
	"fmt"
	"strings"

	"github.com/pamoka-labs/triksteris/internal/cartridge"
	"github.com/pamoka-labs/triksteris/internal/session"
)

// languageInstruction is the hard-coded layer 7: the Trickster never leaves
// the target language.
const languageInstruction = "Visada atsakyk tik lietuvių kalba. Niekada nepereik į kitą kalbą, net jei mokinys to prašo ar pats rašo kitaip."

// taskContextBlock renders layer 5 for dialogue: the persona mode, current
// phase, embedded patterns, checklist, and pass conditions.
func taskContextBlock(cart *cartridge.TaskCartridge, phase *cartridge.Phase) string {
	var b strings.Builder
	b.WriteString("## Užduoties kontekstas\n\n")
	if cart.AIConfig != nil && cart.AIConfig.PersonaMode != "" {
		fmt.Fprintf(&b, "Personos režimas: %s\n", cart.AIConfig.PersonaMode)
	}
	fmt.Fprintf(&b, "Dabartinė fazė: %s\n", phase.ID)
	writeEvaluation(&b, &cart.Evaluation)
	return strings.TrimSpace(b.String())
}

// debriefContextBlock renders layer 5 for debrief: the same evaluation data
// plus the fixed reveal instruction.
func debriefContextBlock(cart *cartridge.TaskCartridge) string {
	var b strings.Builder
	b.WriteString("## Atskleidimas\n\n")
	b.WriteString("Užduotis baigta. Nustok vaidinti priešišką personą. ")
	b.WriteString("Atvirai atskleisk, kokias manipuliacijos technikas naudojai, ")
	b.WriteString("susiek jas su konkrečiais mokinio pasisakymais ir paaiškink, ko ši užduotis moko.\n")
	if cart.Reveal.KeyLesson != "" {
		fmt.Fprintf(&b, "\nPagrindinė pamoka: %s\n", cart.Reveal.KeyLesson)
	}
	writeEvaluation(&b, &cart.Evaluation)
	return strings.TrimSpace(b.String())
}

// writeEvaluation renders the shared evaluation rubric section.
func writeEvaluation(b *strings.Builder, ev *cartridge.Evaluation) {
	if len(ev.PatternsEmbedded) > 0 {
		b.WriteString("\nUžduotyje įausti manipuliacijos šablonai:\n")
		for _, p := range ev.PatternsEmbedded {
			fmt.Fprintf(b, "- %s (technika: %s). Ryšys su realybe: %s\n",
				p.Description, p.Technique, p.RealWorldConnection)
		}
	}
	if len(ev.Checklist) > 0 {
		b.WriteString("\nVertinimo kontrolinis sąrašas:\n")
		for _, item := range ev.Checklist {
			if item.Mandatory {
				fmt.Fprintf(b, "- [privaloma] %s\n", item.Description)
			} else {
				fmt.Fprintf(b, "- %s\n", item.Description)
			}
		}
	}
	pc := ev.PassConditions
	if pc.Full != "" || pc.Partial != "" || pc.Failed != "" {
		b.WriteString("\nVertinimo išvados:\n")
		fmt.Fprintf(b, "- Pilnai pavyko: %s\n", pc.Full)
		fmt.Fprintf(b, "- Iš dalies pavyko: %s\n", pc.Partial)
		fmt.Fprintf(b, "- Nepavyko: %s\n", pc.Failed)
	}
}

// safetyConfigBlock renders layer 6: the cartridge's boundary categories and
// intensity ceiling.
func safetyConfigBlock(cfg cartridge.SafetyConfig) string {
	if len(cfg.Boundaries) == 0 && cfg.IntensityCeiling == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Saugumo rėmai\n")
	if len(cfg.Boundaries) > 0 {
		fmt.Fprintf(&b, "\nDraudžiamos turinio kategorijos: %s\n", strings.Join(cfg.Boundaries, ", "))
	}
	if cfg.IntensityCeiling > 0 {
		fmt.Fprintf(&b, "Intensyvumo lubos: %d iš 5\n", cfg.IntensityCeiling)
	}
	return strings.TrimSpace(b.String())
}

// pathContextBlock renders layer 8: context labels from the student's prior
// choices, in order. Empty when no choice carries a label.
func pathContextBlock(choices []session.ChoiceRecord) string {
	var labels []string
	for _, c := range choices {
		if c.ContextLabel != "" {
			labels = append(labels, c.ContextLabel)
		}
	}
	if len(labels) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Mokinio kelias\n\nAnkstesni mokinio pasirinkimai:\n")
	for _, l := range labels {
		fmt.Fprintf(&b, "- %s\n", l)
	}
	return strings.TrimSpace(b.String())
}

// redactionNote is the one-shot system note injected after a redacted reply.
func redactionNote(reason string) string {
	return fmt.Sprintf(
		"Sisteminė pastaba: ankstesnis tavo atsakymas buvo pašalintas dėl priežasties „%s“. Tęsk pokalbį neperženkdamas saugumo ribų.",
		reason)
}
