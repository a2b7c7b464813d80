// Package codec turns a validated claim batch plus a version config into the
// regulator interchange document. Encoding is deterministic: the same batch
// and config always produce byte-identical output.
package codec

import (
	"encoding/xml"
	"fmt"
	"strings"
	"unicode"

	"github.com/claimware/go-tiss/internal/tiss/registry"
)

// XML namespace attribute constants shared by every version. The per-version
// namespace and schema location come verbatim from the VersionConfig.
const NamespaceXSI = "http://www.w3.org/2001/XMLSchema-instance"

// Document is the interchange document root.
type Document struct {
	XMLName        xml.Name     `xml:"claimBatch"`
	Xmlns          string       `xml:"xmlns,attr"`
	XmlnsXsi       string       `xml:"xmlns:xsi,attr"`
	SchemaLocation string       `xml:"xsi:schemaLocation,attr"`
	Version        string       `xml:"version,attr"`
	Header         Header       `xml:"header"`
	Guides         []GuideEntry `xml:"guides>guide"`
}

// Header is the document header block.
type Header struct {
	RegistryID    string `xml:"registryId"`
	BatchSequence int64  `xml:"batchSequence"`
	GuideCount    int    `xml:"guideCount"`
	TotalAmount   string `xml:"totalAmount"`
}

// GuideEntry is one serialized claim line.
type GuideEntry struct {
	Number        string `xml:"number"`
	ProcedureCode string `xml:"procedureCode"`
	Patient       string `xml:"patient"`
	Amount        string `xml:"amount"`
}

// ToXML marshals the document with the XML declaration and stable
// indentation.
func (d *Document) ToXML() ([]byte, error) {
	body, err := xml.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// FormatCents converts integer cents to the fixed two-decimal textual form
// at the serialization boundary. Money never becomes floating point.
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// ParseCents converts the fixed two-decimal textual form back to integer
// cents. It round-trips FormatCents exactly.
func ParseCents(s string) (int64, error) {
	sign := int64(1)
	if strings.HasPrefix(s, "-") {
		sign = -1
		s = s[1:]
	}
	whole, frac, ok := strings.Cut(s, ".")
	if !ok || len(frac) != 2 || whole == "" {
		return 0, fmt.Errorf("malformed amount %q", s)
	}
	var cents int64
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("malformed amount %q", s)
		}
		cents = cents*10 + int64(r-'0')
	}
	return sign * cents, nil
}

// PadProcedureCode left-zero-pads a numeric code to width. Codes wider than
// width cannot be represented and are rejected.
func PadProcedureCode(code string, width int) (string, error) {
	if len(code) > width {
		return "", fmt.Errorf("procedure code %q exceeds %d digits", code, width)
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("procedure code %q is not numeric", code)
		}
	}
	return strings.Repeat("0", width-len(code)) + code, nil
}

// RenderPatient produces the patient field for the config's identification
// mode. INITIALS_ONLY takes the first letter of each space-separated name
// component, uppercased, joined with the config's separator.
func RenderPatient(name string, cfg *registry.VersionConfig) string {
	if cfg.PatientIDMode == registry.PatientIDFullName {
		return strings.TrimSpace(name)
	}

	var initials []string
	for _, part := range strings.Fields(name) {
		for _, r := range part {
			initials = append(initials, string(unicode.ToUpper(r)))
			break
		}
	}
	return strings.Join(initials, cfg.InitialsSeparator)
}
