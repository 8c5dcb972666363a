package binding

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/openfed/samlgate/internal/events"
	"github.com/openfed/samlgate/internal/saml"
)

const (
	soapConnectTimeout = 5 * time.Second
	soapTotalTimeout   = 10 * time.Second
	maxSOAPBody        = 4 << 20
)

type soapEnvelope struct {
	XMLName xml.Name `xml:"http://schemas.xmlsoap.org/soap/envelope/ Envelope"`
	Body    soapBody `xml:"Body"`
}

type soapBody struct {
	XMLName xml.Name `xml:"http://schemas.xmlsoap.org/soap/envelope/ Body"`
	Content []byte   `xml:",innerxml"`
}

// WrapSOAP wraps a serialized SAML message in a SOAP 1.1 envelope.
func WrapSOAP(xmlData []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString(`<soap11:Envelope xmlns:soap11="` + saml.NamespaceSOAP + `"><soap11:Body>`)
	buf.Write(xmlData)
	buf.WriteString(`</soap11:Body></soap11:Envelope>`)
	return buf.Bytes()
}

// UnwrapSOAP extracts the body of a SOAP 1.1 envelope.
func UnwrapSOAP(data []byte) ([]byte, error) {
	var env soapEnvelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unparseable SOAP envelope: %w", err)
	}
	body := bytes.TrimSpace(env.Body.Content)
	if len(body) == 0 {
		return nil, fmt.Errorf("empty SOAP body")
	}
	return body, nil
}

// SOAPClient performs the one blocking network call in the protocol core:
// the synchronous SOAP round trip used for logout and artifact resolution.
type SOAPClient struct {
	client *http.Client
}

// NewSOAPClient creates a client with the bounded connect and overall
// timeouts the profile layer relies on.
func NewSOAPClient() *SOAPClient {
	return &SOAPClient{
		client: &http.Client{
			Timeout: soapTotalTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: soapConnectTimeout}).DialContext,
			},
		},
	}
}

// Call sends the SAML message to the peer endpoint inside a SOAP envelope
// and returns the SAML message found in the response body. A missing or
// empty response envelope is a transport error.
func (c *SOAPClient) Call(ctx context.Context, endpoint string, message []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(WrapSOAP(message)))
	if err != nil {
		return nil, fmt.Errorf("build SOAP request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", "")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("SOAP call to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("SOAP call to %s: unexpected status %d", endpoint, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSOAPBody))
	if err != nil {
		return nil, fmt.Errorf("read SOAP response: %w", err)
	}
	body, err := UnwrapSOAP(data)
	if err != nil {
		return nil, fmt.Errorf("SOAP response from %s: %w", endpoint, err)
	}
	return body, nil
}

func decodeSOAP(r *http.Request) (*Envelope, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxSOAPBody))
	if err != nil {
		return nil, events.Decodef(events.RequestorEventRequestInvalid, "unreadable SOAP body").Wrap(err)
	}
	body, err := UnwrapSOAP(data)
	if err != nil {
		return nil, events.Decodef(events.RequestorEventRequestInvalid, "malformed SOAP envelope").Wrap(err)
	}
	return &Envelope{
		Binding: saml.BindingSOAP,
		Raw:     body,
	}, nil
}

// WriteSOAP writes a SAML message wrapped in a SOAP envelope to the
// response.
func WriteSOAP(w http.ResponseWriter, message []byte) error {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	_, err := w.Write(WrapSOAP(message))
	return err
}
