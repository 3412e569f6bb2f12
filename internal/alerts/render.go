package alerts

import (
	"strings"
	"time"

	"vigil/internal/dsl"
	"vigil/internal/eval"
)

// TemplateVars are the substitutions available to alert templates.
type TemplateVars struct {
	DeviceID  string
	SensorKey string
	Value     *float64
	At        time.Time
}

// Render fills the action templates. Empty templates fall back to
// defaultTitle and defaultMessage. Unknown placeholders are left as is.
func Render(action dsl.EmitAlertAction, vars TemplateVars, defaultTitle, defaultMessage string) (string, string) {
	value := ""
	if vars.Value != nil {
		value = eval.FormatValue(*vars.Value)
	}
	ts := ""
	if !vars.At.IsZero() {
		ts = vars.At.UTC().Format(time.RFC3339)
	}
	r := strings.NewReplacer(
		"{{deviceId}}", vars.DeviceID,
		"{{sensorKey}}", vars.SensorKey,
		"{{value}}", value,
		"{{ts}}", ts,
	)

	title, message := defaultTitle, defaultMessage
	if action.TitleTemplate != "" {
		title = r.Replace(action.TitleTemplate)
	}
	if action.MessageTemplate != "" {
		message = r.Replace(action.MessageTemplate)
	}
	return title, message
}
