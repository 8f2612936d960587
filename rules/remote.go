package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/oliveagle/jsonpath"

	"github.com/crenz/sensornode/config"
	"github.com/crenz/sensornode/pins"
)

const maxResponseBody = 64 << 10

// FetchJSON performs one GET on url and decodes the last whitespace-separated token
// of the body as JSON. authHeader is a "Name: value" line and may be empty.
// Any transport error, a status outside 2xx/3xx or undecodable JSON yields nil.
func FetchJSON(ctx context.Context, client *http.Client, url string, authHeader string) interface{} {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil
	}
	if name, value, ok := strings.Cut(authHeader, ":"); ok && strings.TrimSpace(name) != "" {
		req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil
	}
	tokens := strings.Fields(string(body))
	if len(tokens) == 0 {
		return nil
	}

	var v interface{}
	if err := json.Unmarshal([]byte(tokens[len(tokens)-1]), &v); err != nil {
		return nil
	}
	return v
}

func serviceCondition(params Params) (Condition, error) {
	m, err := params.Map("condition")
	if err != nil {
		return Condition{}, err
	}
	path, _ := m["xpath"].(string)
	return ParseCondition(path, m)
}

// service checks a remote JSON endpoint: the response value at condition.xpath is
// compared against condition.value. No response means false.
func service(ctx context.Context, env *Env, _ pins.Handle, _ config.Rule, params Params) (interface{}, error) {
	url, err := params.String("url")
	if err != nil {
		return nil, err
	}
	cond, err := serviceCondition(params)
	if err != nil {
		return nil, err
	}

	response := FetchJSON(ctx, env.httpClient(), url, params.OptionalString("auth_header"))
	if response == nil {
		env.logger().WithField("url", url).Debug("Service check returned no usable response")
		return false, nil
	}
	return cond.Holds(response), nil
}

// mqttToggle returns the last message seen on queue, 0 until one arrives. The topic
// is subscribed on first use after every (re)connect; every call does one
// non-blocking check for new messages.
func mqttToggle(ctx context.Context, env *Env, _ pins.Handle, _ config.Rule, params Params) (interface{}, error) {
	queue, err := params.String("queue")
	if err != nil {
		return nil, err
	}
	if env.Bus == nil || env.Inbox == nil {
		return nil, fmt.Errorf("mqtt_toggle %s: no message bus", queue)
	}
	if err := env.Inbox.ensureSubscription(ctx, env.Bus, env.BusRetry, queue); err != nil {
		return nil, fmt.Errorf("mqtt_toggle subscribe %s: %w", queue, err)
	}
	env.Inbox.Check()

	payload, ok := env.Inbox.Last(queue)
	if !ok {
		return 0, nil
	}

	path := params.OptionalString("json_path")
	if path == "" {
		return scalar(payload), nil
	}

	var data interface{}
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		env.logger().Warnf("JSON parsing error in message on %s: %v", queue, err)
		return 0, nil
	}
	v, err := jsonpath.JsonPathLookup(data, path)
	if err != nil {
		env.logger().Warnf("JSON lookup error in message on %s: %v", queue, err)
		return 0, nil
	}
	return v, nil
}

// scalar turns a message payload into an int, a float or, failing both, the
// trimmed text.
func scalar(payload string) interface{} {
	s := strings.TrimSpace(payload)
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// prepareExpression parses a literal expression once, at compile time. Every
// identifier in it must name a pin or another input of the rule.
func prepareExpression(literals Params, known func(name string) bool) (Params, error) {
	src, err := literals.String("expression")
	if err != nil {
		// a reference; parsed when it resolves
		return nil, nil
	}
	expr, err := govaluate.NewEvaluableExpression(src)
	if err != nil {
		return nil, fmt.Errorf("%w: expression %q: %v", ErrInvalidParam, src, err)
	}
	for _, name := range expr.Vars() {
		if !known(name) {
			return nil, fmt.Errorf("%w: expression %q: unknown identifier %q", ErrInvalidParam, src, name)
		}
	}
	return Params{"expression": expr}, nil
}

func expressionParam(params Params) (*govaluate.EvaluableExpression, error) {
	if expr, ok := params["expression"].(*govaluate.EvaluableExpression); ok {
		return expr, nil
	}
	src, err := params.String("expression")
	if err != nil {
		return nil, err
	}
	expr, err := govaluate.NewEvaluableExpression(src)
	if err != nil {
		return nil, fmt.Errorf("%w: expression %q: %v", ErrInvalidParam, src, err)
	}
	return expr, nil
}

// expression evaluates a govaluate expression. Identifiers resolve to the other
// inputs of the rule first and to stored results second. While an identifier has
// no value yet the result is false, like a comparison against a missing path.
func expression(_ context.Context, env *Env, _ pins.Handle, _ config.Rule, params Params) (interface{}, error) {
	expr, err := expressionParam(params)
	if err != nil {
		return nil, err
	}

	vars := make(map[string]interface{}, len(env.Results)+len(params))
	for k, v := range env.Results {
		vars[k] = numeric(v)
	}
	for k, v := range params {
		if k != "expression" {
			vars[k] = numeric(v)
		}
	}
	for _, name := range expr.Vars() {
		if _, ok := vars[name]; !ok {
			env.logger().WithField("identifier", name).Debug("Expression identifier has no value yet")
			return false, nil
		}
	}
	return expr.Evaluate(vars)
}

// numeric widens integers to float64, the only number type govaluate operates on.
func numeric(v interface{}) interface{} {
	if _, ok := v.(bool); ok {
		return v
	}
	if f, ok := toFloat(v); ok {
		return f
	}
	return v
}
