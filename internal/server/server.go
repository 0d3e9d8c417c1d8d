// Package server is a verifier HTTP service. A relying party opens a session
// to get a nonce, an ephemeral reader key and a DCQL query; the wallet posts
// its HPKE sealed DeviceResponse back to the session's response URI.
package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/davecgh/go-spew/spew"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/ory/go-convenience/stringslice"
	"github.com/sirupsen/logrus"

	"github.com/kokukuma/mdoc-disclosure/document"
	"github.com/kokukuma/mdoc-disclosure/mdoc"
	"github.com/kokukuma/mdoc-disclosure/pkg/hpke"
	"github.com/kokukuma/mdoc-disclosure/session_transcript"
	"github.com/kokukuma/mdoc-disclosure/verifier"
)

var b64 = base64.RawURLEncoding

type Server struct {
	cfg      Config
	sessions *Sessions
	anchors  verifier.TrustAnchors
	log      *logrus.Entry
}

func NewServer(cfg Config, sessions *Sessions, anchors verifier.TrustAnchors, log *logrus.Entry) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if anchors == nil {
		return nil, fmt.Errorf("trust anchors are required")
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		anchors:  anchors,
		log:      log.WithField("component", "server"),
	}, nil
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(handlers.CORS(
		handlers.AllowedMethods([]string{"POST", "GET"}),
		handlers.AllowedHeaders([]string{"content-type"}),
		handlers.AllowedOrigins([]string{"*"}),
	))

	r.HandleFunc("/session", s.StartSession).Methods("POST", "OPTIONS")
	r.HandleFunc("/response/{id}", s.PostResponse).Methods("POST", "OPTIONS")
	if s.cfg.RequestSigner != nil {
		r.HandleFunc("/request/{id}", s.GetRequestObject).Methods("GET", "OPTIONS")
	}

	if _, ok := s.anchors.(*DirRoots); ok {
		r.HandleFunc("/roots", s.ListRoots).Methods("GET", "OPTIONS")
		r.HandleFunc("/roots/reload", s.ReloadRoots).Methods("POST", "OPTIONS")
	}
	return r
}

type SessionResponse struct {
	SessionID       string             `json:"session_id"`
	Nonce           string             `json:"nonce"`
	ClientID        string             `json:"client_id"`
	ResponseURI     string             `json:"response_uri"`
	RequestURI      string             `json:"request_uri,omitempty"`
	ReaderPublicKey string             `json:"reader_public_key"`
	DCQLQuery       document.DCQLQuery `json:"dcql_query"`
}

type ResponseRequest struct {
	// MdocGeneratedNonce is the wallet's transport nonce, base64url.
	MdocGeneratedNonce string `json:"mdoc_generated_nonce"`
	// Response is the encoded HPKE envelope, base64url.
	Response string `json:"response"`
}

type VerifyResponse struct {
	Documents map[mdoc.DocType]verifier.Attributes `json:"documents,omitempty"`
	Error     string                               `json:"error,omitempty"`
	Category  mdoc.Category                        `json:"category,omitempty"`
}

func (s *Server) StartSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.NewSession()
	if err != nil {
		jsonErrorResponse(w, fmt.Errorf("failed to create session: %v", err), http.StatusInternalServerError)
		return
	}
	s.log.WithField("session", session.ID).Debug("session started")

	jsonResponse(w, SessionResponse{
		SessionID:       session.ID,
		Nonce:           session.Nonce.String(),
		ClientID:        s.cfg.ClientID,
		ResponseURI:     s.cfg.responseURI(session.ID),
		RequestURI:      s.cfg.requestURI(session.ID),
		ReaderPublicKey: b64.EncodeToString(session.ReaderKey.PublicKey().Bytes()),
		DCQLQuery:       s.cfg.Request.DCQLQuery(),
	}, http.StatusOK)
}

// GetRequestObject serves the signed request of a session. It does not
// consume the session.
func (s *Server) GetRequestObject(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	session, err := s.sessions.Get(id)
	if err != nil {
		jsonErrorResponse(w, err, http.StatusNotFound)
		return
	}
	signed, err := s.requestObject(session).Sign(s.cfg.RequestSigner)
	if err != nil {
		jsonErrorResponse(w, fmt.Errorf("failed to sign request object: %v", err), http.StatusInternalServerError)
		return
	}
	s.log.WithField("session", id).Debug("request object served")

	w.Header().Set("Content-Type", "application/"+requestObjectType)
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, signed)
}

func (s *Server) PostResponse(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	log := s.log.WithField("session", id)

	req := ResponseRequest{}
	if err := parseJSON(r, &req); err != nil {
		jsonErrorResponse(w, fmt.Errorf("failed to parse request: %v", err), http.StatusBadRequest)
		return
	}

	// 1. the session can be answered once, whatever the outcome.
	session, err := s.sessions.Take(id)
	if err != nil {
		jsonErrorResponse(w, err, http.StatusNotFound)
		return
	}

	// 2. session transcript
	vs, err := verifier.NewSession(session_transcript.TransportParams{
		Handover:           session_transcript.HandoverOpenID4VP,
		Nonce:              session.Nonce.Transport(),
		MdocGeneratedNonce: req.MdocGeneratedNonce,
		ClientID:           s.cfg.ClientID,
		ResponseURI:        s.cfg.responseURI(id),
		ReaderPublicKey:    session.ReaderKey.PublicKey(),
	})
	if err != nil {
		jsonErrorResponse(w, fmt.Errorf("failed to get session transcript: %v", err), http.StatusBadRequest)
		return
	}

	// 3. open the envelope and parse the device response
	devResp, err := openResponse(req.Response, session, vs.Transcript)
	if err != nil {
		jsonErrorResponse(w, err, http.StatusBadRequest)
		return
	}
	if log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		log.Debug(spew.Sdump(devResp))
	}

	// 4. verify
	allowed := s.cfg.docTypes()
	for _, doc := range devResp.Documents {
		if !stringslice.Has(allowed, string(doc.DocType)) {
			jsonErrorResponse(w, fmt.Errorf("document %s was not requested", doc.DocType), http.StatusBadRequest)
			return
		}
	}

	opts := []verifier.VerifierOption{
		verifier.WithReaderKey(session.ReaderKey),
		verifier.WithLogger(log),
	}
	if s.cfg.AllowNotYetValid {
		opts = append(opts, verifier.AllowNotYetValid())
	}
	disclosed, err := verifier.NewVerifier(s.anchors, opts...).Verify(r.Context(), devResp, vs)
	if err != nil {
		log.WithError(err).Info("verification failed")
		jsonErrorResponse(w, err, http.StatusBadRequest)
		return
	}
	if err := s.checkRequested(disclosed); err != nil {
		jsonErrorResponse(w, err, http.StatusBadRequest)
		return
	}

	log.WithField("documents", len(disclosed.DocTypes)).Info("verified device response")
	jsonResponse(w, VerifyResponse{Documents: disclosed.Documents}, http.StatusOK)
}

func openResponse(encoded string, session *Session, transcript []byte) (*mdoc.DeviceResponse, error) {
	data, err := b64.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode response: %v", err)
	}
	env, err := hpke.ParseEnvelope(data)
	if err != nil {
		return nil, err
	}
	plaintext, err := hpke.Open(env, session.ReaderKey, transcript)
	if err != nil {
		return nil, fmt.Errorf("failed to open response: %v", err)
	}
	return mdoc.DecodeDeviceResponse(plaintext)
}

// checkRequested rejects elements the session did not ask for.
func (s *Server) checkRequested(disclosed *verifier.Disclosed) error {
	for docType, attrs := range disclosed.Documents {
		request := s.cfg.requested(docType)
		for ns, elems := range attrs {
			for id := range elems {
				if !request.Contains(ns, id) {
					return fmt.Errorf("element %s/%s of %s was not requested", ns, id, docType)
				}
			}
		}
	}
	return nil
}

func (s *Server) ListRoots(w http.ResponseWriter, r *http.Request) {
	certs, err := s.anchors.(*DirRoots).List()
	if err != nil {
		jsonErrorResponse(w, fmt.Errorf("failed to list certificates: %v", err), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, certs, http.StatusOK)
}

func (s *Server) ReloadRoots(w http.ResponseWriter, r *http.Request) {
	if err := s.anchors.(*DirRoots).Reload(); err != nil {
		jsonErrorResponse(w, fmt.Errorf("failed to reload certificates: %v", err), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func parseJSON(r *http.Request, v interface{}) error {
	if r == nil || r.Body == nil {
		return errors.New("No request given")
	}

	defer r.Body.Close()
	defer io.Copy(io.Discard, r.Body)

	return json.NewDecoder(r.Body).Decode(v)
}

func jsonResponse(w http.ResponseWriter, d interface{}, c int) {
	dj, err := json.Marshal(d)
	if err != nil {
		http.Error(w, "Error creating JSON response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(c)
	fmt.Fprintf(w, "%s", dj)
}

func jsonErrorResponse(w http.ResponseWriter, e error, c int) {
	resp := VerifyResponse{Error: e.Error()}
	if category := mdoc.CategoryOf(e); category != mdoc.CategoryInternal {
		resp.Category = category
	}
	jsonResponse(w, resp, c)
}
