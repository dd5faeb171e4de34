package telephony

import (
	"encoding/xml"
	"net/http"
	"strings"
)

const (
	// StreamPath is where Twilio opens the media stream websocket
	StreamPath = "/streams/twilio"

	// CallerParameter carries the caller's number from the webhook into the stream start event
	CallerParameter = "caller"
)

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// StreamURL returns the wss:// media stream URL for a public base URL.
// When publicURL is empty the request host is used.
func StreamURL(publicURL string, r *http.Request) string {
	host := strings.TrimSpace(publicURL)
	if host == "" {
		host = r.Host
	}
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	host = strings.TrimPrefix(host, "wss://")
	host = strings.TrimSuffix(host, "/")
	return "wss://" + host + StreamPath
}

// TwiMLHandler answers Twilio's incoming call webhook by connecting the call to the media stream.
// The webhook's From number is passed to the stream as the caller parameter.
func TwiMLHandler(publicURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stream := twimlStream{URL: StreamURL(publicURL, r)}
		if from := r.FormValue("From"); from != "" {
			stream.Parameters = append(stream.Parameters, twimlParameter{Name: CallerParameter, Value: from})
		}
		body, err := xml.Marshal(twimlResponse{Connect: twimlConnect{Stream: stream}})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(xml.Header))
		_, _ = w.Write(body)
	}
}
