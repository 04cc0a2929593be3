package ticketflow

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Per-step argument contracts. Every step needs the case and the phone; the
// entry steps additionally need the fields the handlers cannot recover from
// the case row alone. Sale billing does not require the document: the
// handler falls back to the CRM deal when it is absent.
var stepRequirements = map[Step][]string{
	StepRenewalNotice:   {"case_id", "phone", "company_name", "deal_type"},
	StepCustomerReply:   {"case_id", "phone", "message"},
	StepProposal:        {"case_id", "phone", "company_name"},
	StepSaleBilling:     {"case_id", "phone", "deal_type"},
	StepBillingDocument: {"case_id", "phone", "company_name"},
	StepSchedulingForm:  {"case_id", "phone"},
}

const schemaTemplate = `{
	"type": "object",
	"properties": {
		"case_id": {"type": "integer", "minimum": 1},
		"phone": {"type": "string", "pattern": "^55[0-9]{10,11}$"},
		"event_id": {"type": "string"},
		"company_name": {"type": "string", "minLength": 1},
		"contact_name": {"type": "string"},
		"document": {"type": "string", "minLength": 1},
		"deal_type": {"type": "string", "minLength": 1},
		"days_to_expire": {"type": "integer"},
		"message": {"type": "string", "minLength": 1}
	},
	"required": [%s]
}`

var stepSchemas = map[Step]*jsonschema.Schema{}

func init() {
	compiler := jsonschema.NewCompiler()
	for step, required := range stepRequirements {
		quoted := make([]string, len(required))
		for i, f := range required {
			quoted[i] = fmt.Sprintf("%q", f)
		}
		src := fmt.Sprintf(schemaTemplate, strings.Join(quoted, ", "))

		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			panic(fmt.Sprintf("ticketflow: schema for %s: %v", step, err))
		}
		url := string(step) + ".json"
		if err := compiler.AddResource(url, doc); err != nil {
			panic(fmt.Sprintf("ticketflow: add schema for %s: %v", step, err))
		}
		sch, err := compiler.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("ticketflow: compile schema for %s: %v", step, err))
		}
		stepSchemas[step] = sch
	}
}

// validateArgs checks the serialized arguments against the step's schema.
func validateArgs(step Step, raw []byte) error {
	sch, ok := stepSchemas[step]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStep, step)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return nil
}
