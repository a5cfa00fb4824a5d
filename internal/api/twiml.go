package api

import (
	"encoding/xml"
	"net/http"
	"sort"
)

// TwiML document types for the stream-connect response. The carrier fetches
// this endpoint when the call is answered and follows the instructions
// verbatim, so the document carries the media-stream URL plus every piece of
// per-call context as stream parameters.
type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string       `xml:"url,attr"`
	Parameters []twimlParam `xml:"Parameter"`
}

type twimlParam struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// handleTwiML renders the stream-connect document. The carrier may fetch it
// with GET (query already signed as part of the URL) or POST (form signed
// separately), so both are accepted.
func (s *Server) handleTwiML(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("X-Twilio-Signature")
	publicURL := s.cfg.CallbackURL("/outbound-call-twiml")
	valid := false
	if r.Method == http.MethodPost {
		valid = s.validator.ValidForm(publicURL, r.PostForm, signature)
	} else {
		if r.URL.RawQuery != "" {
			publicURL += "?" + r.URL.RawQuery
		}
		valid = s.validator.ValidForm(publicURL, nil, signature)
	}
	if !valid {
		s.logger.Warn("twiml request signature rejected", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	// Every query parameter becomes a stream parameter, surfaced to the
	// bridge in the carrier's start event. Sorted for a stable document.
	params := make([]twimlParam, 0, len(r.URL.Query()))
	for name, values := range r.URL.Query() {
		if len(values) == 0 || values[0] == "" {
			continue
		}
		params = append(params, twimlParam{Name: name, Value: values[0]})
	}
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })

	doc := twimlResponse{
		Connect: twimlConnect{
			Stream: twimlStream{
				URL:        s.cfg.StreamURL(),
				Parameters: params,
			},
		},
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.Write([]byte(xml.Header))
	if err := xml.NewEncoder(w).Encode(doc); err != nil {
		s.logger.Error("encoding twiml response failed", "error", err)
	}
}
