package credential

import (
	"encoding/json"
	"fmt"
)

const ocaContext = "https://oca.colossi.network/v1"

// OCADocument is the overlay-capture-architecture flavoured export of a credential.
type OCADocument struct {
	Context         []string        `json:"@context"`
	Type            []string        `json:"type"`
	VerificationURL string          `json:"verificationUrl"`
	CaptureBase     OCACaptureBase  `json:"captureBase"`
	Overlays        OCAOverlays     `json:"overlays"`
	Credential      json.RawMessage `json:"credential"`
}

type OCACaptureBase struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

type OCAOverlays struct {
	Label map[string]string `json:"label"`
	Meta  map[string]string `json:"meta"`
}

// OCA derives the export variant. The original credential bytes are embedded unchanged.
func OCA(raw []byte, verificationURL string) ([]byte, error) {
	doc, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	subject := doc.CredentialSubject
	out := OCADocument{
		Context:         append(append([]string(nil), doc.Context...), ocaContext),
		Type:            append(append([]string(nil), doc.Type...), "OCABundle"),
		VerificationURL: verificationURL,
		CaptureBase: OCACaptureBase{
			Type: "spec/capture_base/1.0",
			Attributes: map[string]string{
				"batchId":            "Text",
				"productType":        "Text",
				"quantity":           "Numeric",
				"originCountry":      "Text",
				"destinationCountry": "Text",
				"conclusion":         "Text",
				"issuanceDate":       "DateTime",
			},
		},
		Overlays: OCAOverlays{
			Label: map[string]string{
				"batchId":            "Batch",
				"productType":        "Product",
				"quantity":           "Quantity (" + subject.Product.Unit + ")",
				"originCountry":      "Origin",
				"destinationCountry": "Destination",
				"conclusion":         "Inspection conclusion",
				"issuanceDate":       "Issued",
			},
			Meta: map[string]string{
				"name":   "Agricultural Quality Certificate",
				"issuer": doc.Issuer.Name,
			},
		},
		Credential: json.RawMessage(raw),
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("credential: encode oca: %w", err)
	}
	return b, nil
}
