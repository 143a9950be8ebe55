package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"strings"

	"github.com/cuemby/courier/pkg/types"
)

// Renderer turns one event into a message. The handler fills in From. A
// render error means the payload can never produce an email.
type Renderer func(ev *types.Event) (*Message, error)

// stripeObject is the subset of a Stripe subscription or invoice object used in emails
type stripeObject struct {
	ID               string            `json:"id"`
	Customer         string            `json:"customer"`
	CustomerEmail    string            `json:"customer_email"`
	CustomerName     string            `json:"customer_name"`
	Status           string            `json:"status"`
	AmountDue        int64             `json:"amount_due"`
	Currency         string            `json:"currency"`
	HostedInvoiceURL string            `json:"hosted_invoice_url"`
	Metadata         map[string]string `json:"metadata"`
	Items            struct {
		Data []struct {
			Price struct {
				Nickname string `json:"nickname"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func (o *stripeObject) email() string {
	if o.CustomerEmail != "" {
		return o.CustomerEmail
	}
	return o.Metadata["email"]
}

func (o *stripeObject) name() string {
	if o.CustomerName != "" {
		return o.CustomerName
	}
	if n := o.Metadata["name"]; n != "" {
		return n
	}
	return "there"
}

func (o *stripeObject) plan() string {
	if len(o.Items.Data) > 0 && o.Items.Data[0].Price.Nickname != "" {
		return o.Items.Data[0].Price.Nickname
	}
	return "your plan"
}

func decodeStripe(ev *types.Event) (*stripeObject, error) {
	var envelope struct {
		Data struct {
			Object stripeObject `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(ev.Payload, &envelope); err != nil {
		return nil, fmt.Errorf("decode %s: %v: %w", ev.ID, err, types.ErrBadPayload)
	}
	obj := &envelope.Data.Object
	if obj.email() == "" {
		return nil, fmt.Errorf("event %s has no customer email: %w", ev.ID, types.ErrBadPayload)
	}
	return obj, nil
}

var templates = template.Must(template.New("emails").Parse(`
{{define "subscription_created"}}<p>Hi {{.Name}},</p>
<p>Thanks for subscribing to {{.Plan}}. Your subscription is now {{.Status}}.</p>{{end}}
{{define "subscription_deleted"}}<p>Hi {{.Name}},</p>
<p>Your subscription to {{.Plan}} has been cancelled. We are sorry to see you go.</p>{{end}}
{{define "payment_failed"}}<p>Hi {{.Name}},</p>
<p>We could not collect your payment of {{.Amount}}.</p>
{{if .URL}}<p><a href="{{.URL}}">Update your payment details</a></p>{{end}}{{end}}
{{define "welcome"}}<p>Hi {{.Name}},</p>
<p>Welcome aboard. Your account is ready.</p>{{end}}
`))

func execute(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

func tagged(ev *types.Event) []Tag {
	return []Tag{
		{Name: "event_type", Value: sanitizeTag(ev.Type)},
		{Name: "event_id", Value: sanitizeTag(ev.ID)},
	}
}

// sanitizeTag keeps the characters providers accept in tag values
func sanitizeTag(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}

// RenderSubscriptionCreated welcomes a new subscriber
func RenderSubscriptionCreated(ev *types.Event) (*Message, error) {
	obj, err := decodeStripe(ev)
	if err != nil {
		return nil, err
	}
	html, err := execute("subscription_created", map[string]string{
		"Name":   obj.name(),
		"Plan":   obj.plan(),
		"Status": obj.Status,
	})
	if err != nil {
		return nil, err
	}
	return &Message{
		To:      []string{obj.email()},
		Subject: "Your subscription is active",
		HTML:    html,
		Tags:    tagged(ev),
	}, nil
}

// RenderSubscriptionDeleted confirms a cancellation
func RenderSubscriptionDeleted(ev *types.Event) (*Message, error) {
	obj, err := decodeStripe(ev)
	if err != nil {
		return nil, err
	}
	html, err := execute("subscription_deleted", map[string]string{
		"Name": obj.name(),
		"Plan": obj.plan(),
	})
	if err != nil {
		return nil, err
	}
	return &Message{
		To:      []string{obj.email()},
		Subject: "Your subscription has been cancelled",
		HTML:    html,
		Tags:    tagged(ev),
	}, nil
}

// RenderPaymentFailed asks the customer to update their payment method
func RenderPaymentFailed(ev *types.Event) (*Message, error) {
	obj, err := decodeStripe(ev)
	if err != nil {
		return nil, err
	}
	html, err := execute("payment_failed", map[string]any{
		"Name":   obj.name(),
		"Amount": formatAmount(obj.AmountDue, obj.Currency),
		"URL":    template.URL(obj.HostedInvoiceURL),
	})
	if err != nil {
		return nil, err
	}
	return &Message{
		To:      []string{obj.email()},
		Subject: "Action required: payment failed",
		HTML:    html,
		Tags:    tagged(ev),
	}, nil
}

// RenderUserCreated welcomes a user created by the identity provider
func RenderUserCreated(ev *types.Event) (*Message, error) {
	var envelope struct {
		Data struct {
			FirstName             string `json:"first_name"`
			PrimaryEmailAddressID string `json:"primary_email_address_id"`
			EmailAddresses        []struct {
				ID           string `json:"id"`
				EmailAddress string `json:"email_address"`
			} `json:"email_addresses"`
		} `json:"data"`
	}
	if err := json.Unmarshal(ev.Payload, &envelope); err != nil {
		return nil, fmt.Errorf("decode %s: %v: %w", ev.ID, err, types.ErrBadPayload)
	}

	var email string
	for _, addr := range envelope.Data.EmailAddresses {
		if email == "" || addr.ID == envelope.Data.PrimaryEmailAddressID {
			email = addr.EmailAddress
		}
	}
	if email == "" {
		return nil, fmt.Errorf("event %s has no email address: %w", ev.ID, types.ErrBadPayload)
	}

	name := envelope.Data.FirstName
	if name == "" {
		name = "there"
	}
	html, err := execute("welcome", map[string]string{"Name": name})
	if err != nil {
		return nil, err
	}
	return &Message{
		To:      []string{email},
		Subject: "Welcome",
		HTML:    html,
		Tags:    tagged(ev),
	}, nil
}

// DefaultRenderers maps the supported event types to their renderers
func DefaultRenderers() map[string]Renderer {
	return map[string]Renderer{
		"subscription.created":          RenderSubscriptionCreated,
		"customer.subscription.created": RenderSubscriptionCreated,
		"customer.subscription.deleted": RenderSubscriptionDeleted,
		"invoice.payment_failed":        RenderPaymentFailed,
		"user.created":                  RenderUserCreated,
	}
}

func formatAmount(minor int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", minor/100, minor%100, strings.ToUpper(currency))
}
