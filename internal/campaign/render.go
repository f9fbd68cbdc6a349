package campaign

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"

	"eventmail/internal/types"
)

// Vars is the substitution context of one rendered message.
type Vars map[string]string

// Resolver substitutes variables into a template string.
type Resolver interface {
	Resolve(template string, vars Vars) (string, error)
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// PlaceholderResolver replaces {{ name }} placeholders. A placeholder without a
// value is an error so a typo never reaches a recipient as literal braces.
type PlaceholderResolver struct{}

// Resolve implements Resolver.
func (PlaceholderResolver) Resolve(template string, vars Vars) (string, error) {
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(template, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		v, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", types.NewAppErrorWithDetails(types.ErrCodeValidationTemplate,
			"unknown template variables: "+strings.Join(missing, ", "), nil,
			map[string]any{"variables": missing})
	}
	return out, nil
}

// Variable names available to campaign templates.
const (
	VarVendorName       = "vendor_name"
	VarBusinessName     = "business_name"
	VarRecipientEmail   = "recipient_email"
	VarEventName        = "event_name"
	VarEventDate        = "event_date"
	VarEventVenue       = "event_venue"
	VarOrganizationName = "organization_name"
	VarUnsubscribeURL   = "unsubscribe_url"
)

// VarsFor builds the standard substitution context. Dates are rendered in the
// organization's timezone.
func VarsFor(e *types.Event, r types.Recipient, unsubscribeURL string) Vars {
	name := r.Name
	if name == "" {
		name = r.BusinessName
	}
	if name == "" {
		name = "there"
	}
	v := Vars{
		VarVendorName:       name,
		VarBusinessName:     r.BusinessName,
		VarRecipientEmail:   r.Email,
		VarEventName:        e.Title,
		VarEventVenue:       e.Venue,
		VarOrganizationName: e.OrganizationName,
		VarUnsubscribeURL:   unsubscribeURL,
		VarEventDate:        "",
	}
	if e.EventDate != nil {
		d := *e.EventDate
		if loc, err := loadLocation(e.Timezone); err == nil {
			d = d.In(loc)
		}
		v[VarEventDate] = d.Format("Monday, January 2, 2006")
	}
	return v
}

// Renderer produces the final subject and bodies of a message. Bodies are
// markdown: the substituted markdown is the plain-text part and its sanitized
// HTML rendering is the HTML part.
type Renderer struct {
	resolver Resolver
	md       goldmark.Markdown
	policy   *bluemonday.Policy
}

// NewRenderer creates a Renderer. A nil resolver selects PlaceholderResolver.
func NewRenderer(resolver Resolver) *Renderer {
	if resolver == nil {
		resolver = PlaceholderResolver{}
	}
	policy := bluemonday.UGCPolicy()
	policy.RequireNoFollowOnLinks(false)
	return &Renderer{
		resolver: resolver,
		md:       goldmark.New(),
		policy:   policy,
	}
}

// Render substitutes vars into subject and body. When the context carries an
// unsubscribe URL that the body does not already place, a footer link is added.
func (r *Renderer) Render(subject, body string, vars Vars) (types.MessageContent, error) {
	subj, err := r.resolver.Resolve(subject, vars)
	if err != nil {
		return types.MessageContent{}, fmt.Errorf("subject: %w", err)
	}
	text, err := r.resolver.Resolve(body, vars)
	if err != nil {
		return types.MessageContent{}, fmt.Errorf("body: %w", err)
	}
	if u := vars[VarUnsubscribeURL]; u != "" && !strings.Contains(text, u) {
		text = strings.TrimRight(text, "\n") + "\n\n---\n\n[Unsubscribe](" + u + ")\n"
	}

	var html bytes.Buffer
	if err := r.md.Convert([]byte(text), &html); err != nil {
		return types.MessageContent{}, types.NewAppError(types.ErrCodeValidationTemplate, "failed to convert markdown", err)
	}

	return types.MessageContent{
		Subject:  strings.Join(strings.Fields(subj), " "),
		BodyHTML: r.policy.Sanitize(html.String()),
		BodyText: text,
	}, nil
}
