package http

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"time"

	"diabetesai/auth"
	"diabetesai/explain"
	"diabetesai/features"
	"diabetesai/pipeline"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	sessionCookie = "diabetesai_session"
	// Web batch responses show at most this many validation messages per row.
	webDetailLimit = 2
)

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Diabetes Risk Assessment</title>
<style>
body { font-family: sans-serif; max-width: 720px; margin: 2em auto; color: #222; }
label { display: inline-block; width: 8em; }
.row { margin: .4em 0; }
.range { color: #777; font-size: .9em; }
.error { color: #b00020; }
.result { border: 1px solid #ccc; padding: 1em; margin-top: 1.5em; }
</style>
</head>
<body>
<h1>Diabetes Risk Assessment</h1>
<form method="post" action="/web/predict">
{{range .Fields}}<div class="row">
<label for="{{.Name}}">{{.Name}}</label>
<input id="{{.Name}}" name="{{.Name}}" type="number" step="any" min="{{.Min}}" max="{{.Max}}" value="{{.Value}}" required>
<span class="range">{{.Min}} to {{.Max}}</span>
</div>
{{end}}<button type="submit">Assess</button>
</form>
{{if .Errors}}<div class="result error">
<h2>Please check your input</h2>
<ul>{{range .Errors}}<li>{{.}}</li>{{end}}</ul>
</div>{{end}}
{{with .Prediction}}<div class="result">
<h2>Result: {{.Label}}</h2>
<p>Confidence: {{.Confidence}}</p>
{{if .Attribution}}<h3>Main contributing factors</h3>
<ol>{{range .Attribution}}<li>{{.Feature}}: {{printf "%+.4f" .Score}}</li>{{end}}</ol>
{{else}}<p>No explanation is available for this prediction.</p>{{end}}
<p class="range">Request {{.RequestID}}</p>
</div>{{end}}
</body>
</html>
`))

type formField struct {
	Name  string
	Min   string
	Max   string
	Value string
}

type pageData struct {
	Fields     []formField
	Errors     []string
	Prediction *webPrediction
}

type webPrediction struct {
	Label       string
	Confidence  string
	Attribution explain.Attribution
	RequestID   string
}

func (s *Server) registerWebHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /web/predict", s.handleWebPredict)
	mux.HandleFunc("POST /web/batch-predict", s.handleWebBatchPredict)
	mux.HandleFunc("GET /web/stats", s.handleWebStats)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.sessionIdentity(w, r)
	s.renderPage(w, http.StatusOK, pageData{Fields: formFields(nil)})
}

func (s *Server) handleWebPredict(w http.ResponseWriter, r *http.Request) {
	identity := s.sessionIdentity(w, r)
	if err := r.ParseForm(); err != nil {
		s.renderPage(w, http.StatusBadRequest, pageData{Fields: formFields(nil), Errors: []string{"could not read the form"}})
		return
	}

	values, parseErrs := parseForm(r.PostForm)
	if len(parseErrs) > 0 {
		s.renderPage(w, http.StatusBadRequest, pageData{Fields: formFields(r.PostForm), Errors: parseErrs})
		return
	}

	pred, err := s.deps.Pipeline.PredictOne(r.Context(), pipeline.Request{
		Identity: identity,
		Source:   pipeline.SourceWeb,
		Values:   values,
	})
	if err != nil {
		status, msgs := webError(err)
		s.renderPage(w, status, pageData{Fields: formFields(r.PostForm), Errors: msgs})
		return
	}
	s.renderPage(w, http.StatusOK, pageData{
		Fields: formFields(r.PostForm),
		Prediction: &webPrediction{
			Label:       pred.Label,
			Confidence:  pred.Confidence,
			Attribution: pred.Attribution,
			RequestID:   pred.RequestID,
		},
	})
}

func (s *Server) handleWebBatchPredict(w http.ResponseWriter, r *http.Request) {
	identity := s.sessionIdentity(w, r)
	var body batchBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeDecodeError(w, r, err)
		return
	}
	result, err := s.deps.Pipeline.PredictBatch(r.Context(), pipeline.BatchRequest{
		Identity: identity,
		Source:   pipeline.SourceWeb,
		Rows:     body.Data,
	})
	if err != nil {
		s.writePipelineError(w, r, err, webDetailLimit)
		return
	}
	for i := range result.Results {
		if d := result.Results[i].Details; len(d) > webDetailLimit {
			result.Results[i].Details = d[:webDetailLimit]
		}
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleWebStats(w http.ResponseWriter, r *http.Request) {
	identity := s.sessionIdentity(w, r)
	stats, err := s.deps.Pipeline.Stats(r.Context(), identity)
	if err != nil {
		s.writePipelineError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// sessionIdentity returns the identity bound to the session cookie, issuing a
// new session when the cookie is missing or malformed.
func (s *Server) sessionIdentity(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil {
		if id, err := uuid.Parse(c.Value); err == nil {
			return auth.SessionIdentity(id.String())
		}
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return auth.SessionIdentity(id)
}

func (s *Server) renderPage(w http.ResponseWriter, status int, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pageTemplate.Execute(w, data); err != nil {
		s.logger.Error("render page", zap.Error(err))
	}
}

func formFields(form map[string][]string) []formField {
	specs := features.Specs()
	fields := make([]formField, len(specs))
	for i, spec := range specs {
		fields[i] = formField{
			Name: spec.Name,
			Min:  strconv.FormatFloat(spec.Range.Min, 'f', -1, 64),
			Max:  strconv.FormatFloat(spec.Range.Max, 'f', -1, 64),
		}
		if v := form[spec.Name]; len(v) > 0 {
			fields[i].Value = v[0]
		}
	}
	return fields
}

// parseForm converts submitted fields to values. Blank fields are left out so
// the validator reports them as missing.
func parseForm(form map[string][]string) (features.Values, []string) {
	values := make(features.Values, features.Count)
	var errs []string
	for _, name := range features.Names() {
		raw := strings.TrimSpace(first(form[name]))
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			errs = append(errs, name+": not a number")
			continue
		}
		values[name] = v
	}
	return values, errs
}

func first(v []string) string {
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

func webError(err error) (int, []string) {
	if wait, ok := retryAfter(err); ok {
		return http.StatusTooManyRequests, []string{"Too many requests. Try again in " + wait.Round(time.Second).String() + "."}
	}
	var validation *pipeline.ValidationError
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, features.Messages(validation.Errors, 0)
	case errors.Is(err, pipeline.ErrNoIdentity):
		return http.StatusUnauthorized, []string{"Your session could not be identified."}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, []string{"The request timed out."}
	default:
		return http.StatusInternalServerError, []string{"The prediction could not be completed."}
	}
}
