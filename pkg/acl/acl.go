// Package acl implements the declarative access-control policy described in
// §3 and §4.3: method/endpoint/model gating loaded from a TOML document and
// compiled once into regex matchers at load time.
package acl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"regexp"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/nostalgicskinco/oai-audit-gateway/internal/apierr"
	"github.com/nostalgicskinco/oai-audit-gateway/pkg/regexcompile"
)

var deploymentPrefix = regexp.MustCompile(`^/engines/([^/]+)(/.+)$`)

// ModelOption is the per-endpoint model allow/deny rule of §3.
type ModelOption struct {
	Allows       *regexp.Regexp
	Disallows    *regexp.Regexp
	AllowOmitted bool
}

// Accepts reports whether model satisfies this option. present distinguishes
// "model field absent from the request" from "model field equal to empty
// string", per §3's ModelOption semantics.
func (o ModelOption) Accepts(model string, present bool) bool {
	if !present {
		return o.AllowOmitted
	}
	return !o.Disallows.MatchString(model) && o.Allows.MatchString(model)
}

func defaultModelOption() ModelOption {
	return ModelOption{
		Allows:       regexcompile.WildcardsToRegex([]string{"*"}),
		Disallows:    regexcompile.WildcardsToRegex(nil),
		AllowOmitted: false,
	}
}

// pathRule pairs a compiled {model}-template regex with its ModelOption.
type pathRule struct {
	re     *regexp.Regexp
	option ModelOption
}

// methodPolicy holds the per-method compiled matchers (§4.3).
type methodPolicy struct {
	endpointRegex *regexp.Regexp
	modelBody     map[string]ModelOption
	modelPath     []pathRule
}

// Policy is the loaded, compiled access-control document.
type Policy struct {
	whitelist        bool
	methods          map[string]bool
	allowDeployments map[string]bool
	perMethod        map[string]methodPolicy
}

// Validator is returned by Validate when a (method, path) pair is permitted
// past the method/deployment/endpoint gates and a model rule applies.
type Validator struct {
	pathRe *regexp.Regexp
	option ModelOption
}

// ValidatePath extracts the `model` named capture from path (if the
// validator's regex has one) and checks it against the ModelOption. Invoked
// unconditionally by the middleware (§4.3).
func (v *Validator) ValidatePath(path string) error {
	if v.pathRe == nil {
		// Exact literal match (model_body family) carries no path capture;
		// path-based validation always passes, the body check (if any)
		// carries the model.
		return nil
	}
	m := v.pathRe.FindStringSubmatch(path)
	idx := v.pathRe.SubexpIndex("model")
	if m == nil || idx < 0 {
		if !v.option.Accepts("", false) {
			return apierr.Forbidden("model not allowed")
		}
		return nil
	}
	if !v.option.Accepts(m[idx], true) {
		return apierr.Forbidden(fmt.Sprintf("model %q not allowed", m[idx]))
	}
	return nil
}

// ValidateBody extracts `.model` from a parsed JSON body and checks it
// against the ModelOption. Invoked only for non-safe methods with a JSON
// content type (§4.3). A path-family validator (model_path, path=true)
// already carried its model through the URL template and validated it in
// ValidatePath; its ValidateBody is a no-op, matching the original's
// (Regex, ModelOption) validator which implements only validate_path.
func (v *Validator) ValidateBody(body map[string]any) error {
	if v.pathRe != nil {
		return nil
	}

	raw, present := body["model"]
	if !present {
		if !v.option.Accepts("", false) {
			return apierr.BadRequest("missing 'model' field in request body")
		}
		return nil
	}
	model, ok := raw.(string)
	if !ok {
		return apierr.BadRequest("'model' field must be a string")
	}
	if !v.option.Accepts(model, true) {
		return apierr.Forbidden(fmt.Sprintf("model %q not allowed", model))
	}
	return nil
}

// Validate runs the exact gate sequence of §4.3: method, deployment,
// endpoint, then model-rule selection. Returns (nil, nil) when no model
// rule applies to the (method, path) pair — callers then skip model
// validation entirely. Returns a non-nil *apierr.Status for any gate
// rejection.
func (p *Policy) Validate(method, path string) (*Validator, error) {
	method = strings.ToUpper(method)
	if !p.methods[method] {
		return nil, apierr.MethodNotAllowed(method)
	}

	remaining := path
	if m := deploymentPrefix.FindStringSubmatch(path); m != nil {
		id, rest := m[1], m[2]
		if !p.allowDeployments[id] {
			return nil, apierr.Forbidden(fmt.Sprintf("deployment %q not allowed", id))
		}
		remaining = rest
	}

	mp, ok := p.perMethod[method]
	if !ok {
		return nil, apierr.Forbidden("method not permitted by policy")
	}

	matched := mp.endpointRegex.MatchString(remaining)
	if p.whitelist && !matched {
		return nil, apierr.Forbidden(fmt.Sprintf("endpoint %q not allowed", remaining))
	}
	if !p.whitelist && matched {
		return nil, apierr.Forbidden(fmt.Sprintf("endpoint %q not allowed", remaining))
	}

	if opt, ok := mp.modelBody[remaining]; ok {
		return &Validator{option: opt}, nil
	}
	for _, r := range mp.modelPath {
		if r.re.MatchString(remaining) {
			return &Validator{pathRe: r.re, option: r.option}, nil
		}
	}
	return nil, nil
}

// Middleware implements the C3 HTTP gate: runs Validate, then ValidatePath
// unconditionally, then (for non-safe methods carrying a JSON body)
// buffers the request body, runs ValidateBody, and re-materialises the
// body so downstream layers see it unchanged.
func (p *Policy) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v, err := p.Validate(r.Method, r.URL.Path)
		if err != nil {
			apierr.Write(w, err.(*apierr.Status))
			return
		}
		if v == nil {
			next.ServeHTTP(w, r)
			return
		}
		if err := v.ValidatePath(r.URL.Path); err != nil {
			apierr.Write(w, err.(*apierr.Status))
			return
		}

		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if IsSafeMethod(r.Method) || r.Body == nil || mediaType != "application/json" {
			next.ServeHTTP(w, r)
			return
		}

		raw, err := io.ReadAll(r.Body)
		if err != nil {
			apierr.Write(w, apierr.BadRequest("failed to read body"))
			return
		}
		r.Body.Close()

		body, err := DecodeJSONBody(raw)
		if err != nil {
			apierr.Write(w, apierr.BadRequest("failed to parse body"))
			return
		}
		if err := v.ValidateBody(body); err != nil {
			apierr.Write(w, err.(*apierr.Status))
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(raw))
		r.ContentLength = int64(len(raw))
		next.ServeHTTP(w, r)
	})
}

// IsSafeMethod reports whether method is exempt from body validation (§4.3:
// "non-safe methods" are those that may carry a JSON body semantically).
func IsSafeMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}

// --- Document schema & loading ---

type globalDoc struct {
	Whitelist        *bool           `toml:"whitelist"`
	Methods          map[string]bool `toml:"methods"`
	AllowDeployments []string        `toml:"allow_deployments"`
}

type modelRuleDoc struct {
	Path         bool     `toml:"path"`
	Allows       []string `toml:"allows"`
	Disallows    []string `toml:"disallows"`
	AllowOmitted bool     `toml:"allow_omitted"`
}

type document struct {
	Global   globalDoc                         `toml:"global"`
	Endpoint map[string]map[string]bool        `toml:"endpoint"`
	Model    map[string]map[string]modelRuleDoc `toml:"model"`
}

// Load parses a TOML ACL document from path into a compiled Policy.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("acl: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse compiles a TOML ACL document (already read into memory) into a
// Policy, applying the §3 defaults for any omitted field.
func Parse(data []byte) (*Policy, error) {
	var doc document
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("acl: parse: %w", err)
	}

	whitelist := true
	if doc.Global.Whitelist != nil {
		whitelist = *doc.Global.Whitelist
	}

	methods := map[string]bool{}
	for m, ok := range doc.Global.Methods {
		methods[strings.ToUpper(m)] = ok
	}

	allowDeployments := map[string]bool{}
	for _, d := range doc.Global.AllowDeployments {
		allowDeployments[d] = true
	}

	p := &Policy{
		whitelist:        whitelist,
		methods:          methods,
		allowDeployments: allowDeployments,
		perMethod:        map[string]methodPolicy{},
	}

	methodSet := map[string]bool{}
	for m := range methods {
		methodSet[m] = true
	}
	for m := range doc.Endpoint {
		methodSet[strings.ToUpper(m)] = true
	}
	for m := range doc.Model {
		methodSet[strings.ToUpper(m)] = true
	}

	for method := range methodSet {
		var rules []string
		for path, allow := range doc.Endpoint[method] {
			if allow == whitelist {
				rules = append(rules, path)
			}
		}
		endpointRegex := regexcompile.EndpointsToRegex(rules)

		modelBody := map[string]ModelOption{}
		var modelPath []pathRule
		for key, rd := range doc.Model[method] {
			opt := defaultModelOption()
			if len(rd.Allows) > 0 {
				opt.Allows = regexcompile.WildcardsToRegex(rd.Allows)
			}
			if len(rd.Disallows) > 0 {
				opt.Disallows = regexcompile.WildcardsToRegex(rd.Disallows)
			}
			opt.AllowOmitted = rd.AllowOmitted

			if rd.Path {
				modelPath = append(modelPath, pathRule{
					re:     regexcompile.ModelPathTemplate(key),
					option: opt,
				})
			} else {
				modelBody[key] = opt
			}
		}

		p.perMethod[method] = methodPolicy{
			endpointRegex: endpointRegex,
			modelBody:     modelBody,
			modelPath:     modelPath,
		}
	}

	return p, nil
}

// DecodeJSONBody is a small helper shared with C7: parses a JSON object
// body into a generic map, as required by ValidateBody.
func DecodeJSONBody(body []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	return m, nil
}
