package email

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strconv"
	texttemplate "text/template"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gitshopapp/billing/internal/models"
	"github.com/gitshopapp/billing/internal/money"
)

// Template names.
const (
	TemplateReceipt        = "order_receipt"
	TemplateRefund         = "refund_issued"
	TemplateRenewalInvoice = "renewal_invoice"
	TemplatePaymentFailed  = "payment_failed"
)

// Message is the data every template renders from.
type Message struct {
	ShopName     string
	CustomerName string
	To           string
	Number       string
	Date         string
	Lines        []Line
	Subtotal     string
	Discount     string
	Shipping     string
	Tax          string
	Total        string
	// Amount is the refunded or due amount when it differs from Total.
	Amount string
	Reason string
}

type Line struct {
	Name     string
	Quantity int
	Total    string
}

// NewMessage fills a Message from an order of any type.
func NewMessage(shopName string, order *models.Order, date time.Time) *Message {
	code := order.Currency
	msg := &Message{
		ShopName:     shopName,
		CustomerName: order.Billing.FullName(),
		To:           order.Billing.Email,
		Number:       strconv.FormatInt(order.ID, 10),
		Date:         date.Format("January 2, 2006"),
		Discount:     money.FormatFor(order.DiscountTotal, code),
		Shipping:     money.FormatFor(order.ShippingTotal, code),
		Tax:          money.FormatFor(order.CartTax.Add(order.ShippingTax), code),
		Total:        money.FormatFor(order.Total, code),
	}
	if msg.CustomerName == "" {
		msg.CustomerName = "there"
	}

	subtotal := decimal.Zero
	for _, item := range order.Products() {
		subtotal = subtotal.Add(item.Subtotal())
		msg.Lines = append(msg.Lines, Line{
			Name:     item.Name,
			Quantity: item.Quantity,
			Total:    money.FormatFor(item.Total(), code),
		})
	}
	for _, fee := range order.Fees() {
		msg.Lines = append(msg.Lines, Line{
			Name:     fee.Name,
			Quantity: fee.Quantity,
			Total:    money.FormatFor(fee.Total(), code),
		})
	}
	msg.Subtotal = money.FormatFor(subtotal, code)
	return msg
}

type emailTemplate struct {
	subject string
	text    string
	html    string
}

var templates = map[string]emailTemplate{
	TemplateReceipt: {
		subject: "Receipt for order #{{.Number}} - {{.ShopName}}",
		text:    receiptText,
		html:    receiptHTML,
	},
	TemplateRefund: {
		subject: "Refund of {{.Amount}} for order #{{.Number}}",
		text:    refundText,
		html:    refundHTML,
	},
	TemplateRenewalInvoice: {
		subject: "Invoice #{{.Number}} for your {{.ShopName}} subscription",
		text:    renewalText,
		html:    renewalHTML,
	},
	TemplatePaymentFailed: {
		subject: "Payment failed for subscription #{{.Number}}",
		text:    paymentFailedText,
		html:    paymentFailedHTML,
	},
}

// Renderer renders the built-in billing templates. HTML bodies are escaped.
type Renderer struct {
	subjects *texttemplate.Template
	text     *texttemplate.Template
	html     *htmltemplate.Template
}

func NewRenderer() (*Renderer, error) {
	subjects := texttemplate.New("subjects")
	text := texttemplate.New("text")
	html := htmltemplate.New("html")

	for name, t := range templates {
		if _, err := subjects.New(name).Parse(t.subject); err != nil {
			return nil, fmt.Errorf("failed to parse subject template %s: %w", name, err)
		}
		if _, err := text.New(name).Parse(t.text); err != nil {
			return nil, fmt.Errorf("failed to parse text template %s: %w", name, err)
		}
		if _, err := html.New(name).Parse(t.html); err != nil {
			return nil, fmt.Errorf("failed to parse HTML template %s: %w", name, err)
		}
	}

	return &Renderer{subjects: subjects, text: text, html: html}, nil
}

func (r *Renderer) Render(name string, msg *Message) (*Email, error) {
	if msg == nil {
		return nil, fmt.Errorf("message is required")
	}
	if _, ok := templates[name]; !ok {
		return nil, fmt.Errorf("unknown email template: %s", name)
	}

	var subject, text, html bytes.Buffer
	if err := r.subjects.ExecuteTemplate(&subject, name, msg); err != nil {
		return nil, fmt.Errorf("failed to render subject: %w", err)
	}
	if err := r.text.ExecuteTemplate(&text, name, msg); err != nil {
		return nil, fmt.Errorf("failed to render text template: %w", err)
	}
	if err := r.html.ExecuteTemplate(&html, name, msg); err != nil {
		return nil, fmt.Errorf("failed to render HTML template: %w", err)
	}

	return &Email{
		To:      msg.To,
		Subject: subject.String(),
		Text:    text.String(),
		HTML:    html.String(),
	}, nil
}

const receiptText = `Hi {{.CustomerName}},

Thanks for your payment. Here is your receipt.

Order #{{.Number}}
Date: {{.Date}}
{{range .Lines}}
- {{.Name}} x{{.Quantity}}: {{.Total}}{{end}}

Subtotal: {{.Subtotal}}
Discount: {{.Discount}}
Shipping: {{.Shipping}}
Tax: {{.Tax}}
Total: {{.Total}}

{{.ShopName}}
`

const refundText = `Hi {{.CustomerName}},

We have refunded {{.Amount}} for order #{{.Number}}.
{{if .Reason}}
Reason: {{.Reason}}
{{end}}
Refunds usually take a few business days to appear on your statement.

{{.ShopName}}
`

const renewalText = `Hi {{.CustomerName}},

Your subscription has renewed and invoice #{{.Number}} is due.
{{range .Lines}}
- {{.Name}} x{{.Quantity}}: {{.Total}}{{end}}

Tax: {{.Tax}}
Total due: {{.Total}}

{{.ShopName}}
`

const paymentFailedText = `Hi {{.CustomerName}},

We could not take the {{.Total}} payment for subscription #{{.Number}}.
Please update your payment details to keep your subscription active.

{{.ShopName}}
`

const layoutStart = `<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
  <style>
    body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
    .content { background: #f9fafb; padding: 20px; border: 1px solid #e5e7eb; border-radius: 8px; }
    table { width: 100%; border-collapse: collapse; margin: 15px 0; }
    td { padding: 8px; border-bottom: 1px solid #e5e7eb; }
    .total { font-weight: bold; text-align: right; }
    .footer { text-align: center; padding: 20px; color: #6b7280; font-size: 14px; }
  </style>
</head>
<body>
  <div class="content">
`

const layoutEnd = `  </div>
  <div class="footer">{{.ShopName}}</div>
</body>
</html>
`

const linesTable = `    <table>
      {{range .Lines}}<tr><td>{{.Name}}</td><td>{{.Quantity}}</td><td class="total">{{.Total}}</td></tr>
      {{end}}
    </table>
`

const receiptHTML = layoutStart + `    <p>Hi {{.CustomerName}},</p>
    <p>Thanks for your payment. Here is your receipt for order <strong>#{{.Number}}</strong> ({{.Date}}).</p>
` + linesTable + `    <p class="total">Subtotal: {{.Subtotal}}<br>Discount: {{.Discount}}<br>Shipping: {{.Shipping}}<br>Tax: {{.Tax}}<br>Total: {{.Total}}</p>
` + layoutEnd

const refundHTML = layoutStart + `    <p>Hi {{.CustomerName}},</p>
    <p>We have refunded <strong>{{.Amount}}</strong> for order #{{.Number}}.</p>
    {{if .Reason}}<p>Reason: {{.Reason}}</p>{{end}}
    <p>Refunds usually take a few business days to appear on your statement.</p>
` + layoutEnd

const renewalHTML = layoutStart + `    <p>Hi {{.CustomerName}},</p>
    <p>Your subscription has renewed and invoice <strong>#{{.Number}}</strong> is due.</p>
` + linesTable + `    <p class="total">Tax: {{.Tax}}<br>Total due: {{.Total}}</p>
` + layoutEnd

const paymentFailedHTML = layoutStart + `    <p>Hi {{.CustomerName}},</p>
    <p>We could not take the <strong>{{.Total}}</strong> payment for subscription #{{.Number}}.</p>
    <p>Please update your payment details to keep your subscription active.</p>
` + layoutEnd
