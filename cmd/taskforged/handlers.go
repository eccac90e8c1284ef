package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"github.com/swarmguard/taskforge/model"
	"github.com/swarmguard/taskforge/registry"
	"github.com/swarmguard/taskforge/value"
)

// httpFetchHandler performs an HTTP GET/POST against a url param, grounded
// on the reference HTTPTaskExecutor: connection-pooled client, trace
// propagation via the injected otel propagator, template resolution of
// {{field}} placeholders against the incoming payload, and a response body
// decoded as JSON when possible. Intended to run wrapped in
// resilience.Guard so a rate-limited or flaky upstream degrades the
// circuit instead of the whole task manager.
func httpFetchHandler(client *http.Client) registry.Handler {
	tracer := otel.Tracer("taskforge-http-fetch")
	return func(ctx context.Context, task *model.Task, report registry.ProgressReporter) (registry.HandlerResult, error) {
		ctx, span := tracer.Start(ctx, "http_fetch.execute")
		defer span.End()

		urlVal, ok := task.Params["url"]
		if !ok {
			return registry.HandlerResult{}, fmt.Errorf("http_fetch requires a url param")
		}
		url, _ := urlVal.AsString()
		url = resolveTemplate(url, task.Params["_input"])

		method := http.MethodGet
		if m, ok := task.Params["method"]; ok {
			if s, ok := m.AsString(); ok && s != "" {
				method = s
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return registry.HandlerResult{}, fmt.Errorf("create request: %w", err)
		}
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
		span.SetAttributes(attribute.String("http.url", url), attribute.String("http.method", method))

		report.Report(0.2, "requesting "+url)
		resp, err := client.Do(req)
		if err != nil {
			return registry.HandlerResult{}, fmt.Errorf("execute request: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return registry.HandlerResult{}, fmt.Errorf("read response: %w", err)
		}
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		if resp.StatusCode >= 400 {
			return registry.HandlerResult{}, fmt.Errorf("http error %d: %s", resp.StatusCode, string(body))
		}

		var parsed any
		if len(body) > 0 {
			if err := json.Unmarshal(body, &parsed); err != nil {
				parsed = string(body)
			}
		}
		report.Report(1, "done")
		out := value.FromAny(parsed)
		return registry.HandlerResult{Values: map[string]value.Value{"_output": out, "status_code": value.Number(float64(resp.StatusCode))}}, nil
	}
}

// resolveTemplate substitutes {{field}} placeholders in template with
// fields read off payload (when payload is a map), mirroring the
// reference resolveTemplate's {{task_id.field}} substitution simplified to
// a single upstream payload rather than a whole execution context map.
func resolveTemplate(template string, payload value.Value) string {
	fields, ok := payload.AsMap()
	if !ok {
		return template
	}
	result := template
	for field, v := range fields {
		placeholder := "{{" + field + "}}"
		var s string
		switch v.Kind() {
		case value.KindString:
			s, _ = v.AsString()
		case value.KindNumber:
			n, _ := v.AsNumber()
			s = fmt.Sprintf("%v", n)
		case value.KindBool:
			b, _ := v.AsBool()
			s = fmt.Sprintf("%v", b)
		default:
			continue
		}
		result = strings.ReplaceAll(result, placeholder, s)
	}
	return result
}
