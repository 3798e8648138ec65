package notifications

import (
	"bytes"
	"fmt"
	"text/template"
)

// Template names, one per event type.
const (
	TemplateOnboarded   = "onboarded"
	TemplateActivated   = "activated"
	TemplateTransferred = "transferred"
	TemplateOffboarded  = "offboarded"
)

var templates = map[string]*template.Template{
	TemplateOnboarded:   template.Must(template.New(TemplateOnboarded).Option("missingkey=zero").Parse(onboardedTemplate)),
	TemplateActivated:   template.Must(template.New(TemplateActivated).Option("missingkey=zero").Parse(activatedTemplate)),
	TemplateTransferred: template.Must(template.New(TemplateTransferred).Option("missingkey=zero").Parse(transferredTemplate)),
	TemplateOffboarded:  template.Must(template.New(TemplateOffboarded).Option("missingkey=zero").Parse(offboardedTemplate)),
}

const onboardedTemplate = `Hi {{.owner}},

The IAM service account {{.userName}} in AWS account {{.awsAccountId}} has been
onboarded to T-Vault{{if .applicationName}} for application {{.applicationName}}{{end}}.

You are the owner of this account. Activate it to rotate its access keys and
start managing access:

    iamsvc activate --account {{.awsAccountId}} --user {{.userName}}

Onboarded by: {{.actor}}`

const activatedTemplate = `Hi {{.owner}},

The IAM service account {{.userName}} in AWS account {{.awsAccountId}} has been
activated. Its access keys were rotated and are now stored in T-Vault.

You can read the keys with:

    iamsvc keys list --account {{.awsAccountId}} --user {{.userName}}

Activated by: {{.actor}}`

const transferredTemplate = `Hi {{.owner}},

Ownership of the IAM service account {{.userName}} in AWS account {{.awsAccountId}}
has been transferred to you{{if .previousOwner}} from {{.previousOwner}}{{end}}.

You can now manage access to the account and rotate its access keys.

Transferred by: {{.actor}}`

const offboardedTemplate = `Hi {{.owner}},

The IAM service account {{.userName}} in AWS account {{.awsAccountId}} has been
offboarded from T-Vault. Its access grants and stored access keys were removed.
The IAM user itself still exists in AWS.

Offboarded by: {{.actor}}`

// Render renders the named template with data.
func Render(name string, data map[string]string) (string, error) {
	tmpl, ok := templates[name]
	if !ok {
		return "", fmt.Errorf("unknown notification template %q", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template: %w", err)
	}
	return buf.String(), nil
}
