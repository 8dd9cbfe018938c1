package classify

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/mesabot/internal/bus"
	"github.com/nextlevelbuilder/mesabot/internal/errkind"
)

// Model is one side of the dual classifier.
type Model interface {
	Name() string
	Classify(ctx context.Context, text string) (Verdict, error)
}

const systemPrompt = `Eres un clasificador de soporte técnico para una cadena de tiendas.
Analiza el mensaje de WhatsApp y decide si reporta un incidente técnico que
requiere un ticket de soporte.

Responde ÚNICAMENTE con un objeto JSON, sin texto adicional:
{
  "is_incident": true|false,
  "confidence": 0.0-1.0,
  "category": "pos"|"impresora"|"red"|"inventario"|"software"|"hardware"|"acceso"|"otro",
  "urgency": "high"|"medium"|"low",
  "rationale": "explicación breve"
}

Reglas:
- is_incident=true solo si el mensaje reporta una falla, error o bloqueo técnico.
- Saludos, agradecimientos y conversación general NO son incidentes.
- urgency=high cuando la operación de la tienda está detenida (no pueden cobrar).
- category debe ser exactamente uno de los valores listados.`

func userPrompt(text string) string {
	return "Mensaje a clasificar:\n" + text
}

// wireVerdict is the JSON shape both models are instructed to emit.
type wireVerdict struct {
	IsIncident bool    `json:"is_incident"`
	Confidence float64 `json:"confidence"`
	Category   string  `json:"category"`
	Urgency    string  `json:"urgency"`
	Rationale  string  `json:"rationale"`
}

// parseVerdict decodes a model response into a Verdict. Models sometimes
// wrap the JSON in a markdown fence or lead with prose; the decoder works
// from the first '{' to the last '}'.
func parseVerdict(model, raw string) (Verdict, error) {
	body := strings.TrimSpace(raw)
	if i := strings.Index(body, "{"); i >= 0 {
		if j := strings.LastIndex(body, "}"); j > i {
			body = body[i : j+1]
		}
	}

	var wire wireVerdict
	if err := bus.Unmarshal([]byte(body), &wire); err != nil {
		return Verdict{Model: model}, errkind.Wrap(errkind.Validation,
			fmt.Errorf("%s: unparseable verdict %q: %w", model, truncate(raw, 120), err))
	}

	v := Verdict{
		Model:      model,
		IsIncident: wire.IsIncident,
		Confidence: clamp01(wire.Confidence),
		Category:   NormalizeCategory(wire.Category),
		Urgency:    NormalizeUrgency(wire.Urgency),
		Rationale:  strings.TrimSpace(wire.Rationale),
	}
	return v, nil
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
