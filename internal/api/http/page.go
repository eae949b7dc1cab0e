package httpapi

import (
	"bytes"
	"html/template"

	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/air-quality-aggregation/internal/config"
)

var indexTmpl = template.Must(template.New("index").Parse(page))

type indexData struct {
	Refresh int
	Status  string
	Sensors []config.Sensor
}

func (h *handlers) index(c *fiber.Ctx) error {
	data := indexData{
		Refresh: 300,
		Sensors: h.deps.Sensors,
	}
	if h.deps.Model == nil {
		data.Status = "interpolation disabled"
	} else if m, err := h.deps.Model.Model(); err != nil {
		data.Status = err.Error()
	} else {
		data.Status = "model fitted at " + m.FittedAt.Format("2006-01-02 15:04:05 MST")
	}

	var buf bytes.Buffer
	if err := indexTmpl.Execute(&buf, data); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to render page")
	}
	c.Type("html")
	return c.Send(buf.Bytes())
}

const page = `
<html>
	<head>
		<title>Air quality map</title>
		<meta http-equiv="refresh" content="{{.Refresh}}">
	</head>

	<body>
		<pre>
{{.Status}}
		</pre>
		<hr>
		<div class="row align-items-center justify-content-center">
			<img src="/map.png"/>
		</div>
{{- if .Sensors}}
		<hr>
		<h2>Sensors</h2>
		<ul>
{{- range .Sensors}}
			<li>{{.ID}} ({{.Kind}}{{if .Name}}, {{.Name}}{{end}}): <a href="/api/v1/sensors/{{.ID}}/plot.png">PM2.5</a></li>
{{- end}}
		</ul>
{{- end}}
	</body>
</html>
`
