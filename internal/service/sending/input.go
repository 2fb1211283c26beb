package sending

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"reflect"
	"strings"
	"time"

	"github.com/bittucreator/unosend-sub001/internal/domain"
	"github.com/go-playground/validator/v10"
)

// Limits on one request.
const (
	MaxRecipients = 50
	MaxBatchSize  = 100
)

// AddressList accepts either a single address string or an array in JSON.
type AddressList []string

func (l *AddressList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		if one == "" {
			*l = nil
		} else {
			*l = AddressList{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("expected an address or a list of addresses")
	}
	*l = many
	return nil
}

// SendInput is one message request.
type SendInput struct {
	From        string              `json:"from" validate:"required,mailaddr"`
	To          AddressList         `json:"to" validate:"min=1,max=50,dive,mailaddr"`
	CC          AddressList         `json:"cc" validate:"max=50,dive,mailaddr"`
	BCC         AddressList         `json:"bcc" validate:"max=50,dive,mailaddr"`
	ReplyTo     AddressList         `json:"reply_to" validate:"max=10,dive,mailaddr"`
	Subject     string              `json:"subject" validate:"required,max=998"`
	HTML        string              `json:"html"`
	Text        string              `json:"text"`
	Attachments []domain.Attachment `json:"attachments" validate:"max=20,dive"`
	Tags        []domain.Tag        `json:"tags" validate:"max=50,dive"`
	Variables   map[string]string   `json:"variables"`
	Headers     map[string]string   `json:"headers"`
	TrackOpens  *bool               `json:"track_opens"`
	TrackClicks *bool               `json:"track_clicks"`
	ScheduledAt *time.Time          `json:"scheduled_at"`
}

func (in *SendInput) trackOpens() bool  { return in.TrackOpens == nil || *in.TrackOpens }
func (in *SendInput) trackClicks() bool { return in.TrackClicks == nil || *in.TrackClicks }

// reservedHeaders are set by the gateway and cannot be overridden.
var reservedHeaders = map[string]bool{
	"from": true, "to": true, "cc": true, "bcc": true, "subject": true,
	"message-id": true, "date": true, "mime-version": true, "content-type": true,
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("mailaddr", func(fl validator.FieldLevel) bool {
		_, err := mail.ParseAddress(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks the request and returns a *ValidationError listing every
// problem, or nil.
func (in *SendInput) Validate() error {
	return in.validateInto(&ValidationError{}, "").orNil()
}

func (in *SendInput) validateInto(verr *ValidationError, prefix string) *ValidationError {
	if err := validate.Struct(in); err != nil {
		if fes, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range fes {
				verr.add(prefix+fe.Field(), describe(fe))
			}
		} else {
			verr.add(prefix+"request", err.Error())
		}
	}
	if in.HTML == "" && in.Text == "" {
		verr.add(prefix+"html", "either html or text is required")
	}
	for i, a := range in.Attachments {
		if len(a.Content) == 0 && a.Path == "" {
			verr.add(fmt.Sprintf("%sattachments[%d]", prefix, i), "content or path is required")
		}
	}
	for k := range in.Headers {
		if reservedHeaders[strings.ToLower(k)] {
			verr.add(prefix+"headers."+k, "header is set by the server")
		}
	}
	return verr
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "mailaddr":
		return "is not a valid email address"
	case "min":
		return "must have at least " + fe.Param()
	case "max":
		return "exceeds the maximum of " + fe.Param()
	}
	return "failed " + fe.Tag()
}
