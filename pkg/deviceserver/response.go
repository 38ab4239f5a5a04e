package deviceserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"microscope/pkg/device"
)

// Error numbers reported in the response envelope.
const (
	ErrNumNotSupported       = 0x400
	ErrNumUnsupportedFeature = 0x401
	ErrNumConfiguration      = 0x402
	ErrNumIncompatibleState  = 0x40B
	ErrNumHardware           = 0x500
	ErrNumUnspecified        = 0x4FF
)

// Global transaction counter
var txCounter atomic.Int32

type baseResponse struct {
	ClientTransactionID int    `json:"ClientTransactionID"`
	ServerTransactionID int    `json:"ServerTransactionID"`
	ErrorNumber         int    `json:"ErrorNumber"`
	ErrorMessage        string `json:"ErrorMessage"`
	Value               any    `json:"Value,omitempty"`
}

// errorNumber maps a device error onto the number reported to clients.
func errorNumber(err error) int {
	switch {
	case errors.Is(err, device.ErrNotSupported):
		return ErrNumNotSupported
	case errors.Is(err, device.ErrUnsupportedFeature):
		return ErrNumUnsupportedFeature
	case errors.Is(err, device.ErrConfiguration):
		return ErrNumConfiguration
	case errors.Is(err, device.ErrIncompatibleState):
		return ErrNumIncompatibleState
	case errors.Is(err, device.ErrHardwareCommunication):
		return ErrNumHardware
	default:
		return ErrNumUnspecified
	}
}

// request carries the parsed parameters of an API call. PUT and POST
// requests have them in the body, GET requests in the URL.
type request struct {
	*http.Request
	params url.Values
}

// Helper to read and parse the request body as URL-encoded data.
func parseBodyParams(r *http.Request) (url.Values, error) {
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	// Reset the body so it can be read again later.
	r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	return url.ParseQuery(string(bodyBytes))
}

func newRequest(r *http.Request) (*request, error) {
	if r.Method == http.MethodGet {
		return &request{Request: r, params: r.URL.Query()}, nil
	}
	params, err := parseBodyParams(r)
	if err != nil {
		return nil, err
	}
	return &request{Request: r, params: params}, nil
}

// lookup finds a parameter ignoring the case of its name.
func (r *request) lookup(field string) (string, bool) {
	for param, value := range r.params {
		if strings.EqualFold(param, field) && len(value) > 0 {
			return value[0], true
		}
	}
	return "", false
}

// clientTxID obtains the client transaction ID. It is optional, 0 when absent.
func (r *request) clientTxID() (int, error) {
	value, ok := r.lookup("ClientTransactionID")
	if !ok {
		return 0, nil
	}
	id, err := strconv.Atoi(value)
	if err != nil || id < 0 {
		return 0, errors.New("ClientTransactionID must be a non-negative integer")
	}
	return id, nil
}

func (r *request) Param(field string) (string, error) {
	value, ok := r.lookup(field)
	if !ok {
		return "", fmt.Errorf("%w: missing field %s", device.ErrConfiguration, field)
	}
	return value, nil
}

func (r *request) Bool(field string, def bool) (bool, error) {
	value, ok := r.lookup(field)
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", device.ErrConfiguration, field, err)
	}
	return b, nil
}

func (r *request) Float(field string) (float64, error) {
	value, err := r.Param(field)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", device.ErrConfiguration, field, err)
	}
	return f, nil
}

func (r *request) Int(field string) (int, error) {
	value, err := r.Param(field)
	if err != nil {
		return 0, err
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", device.ErrConfiguration, field, err)
	}
	return i, nil
}

// JSON decodes a JSON encoded field into v.
func (r *request) JSON(field string, v any) error {
	value, err := r.Param(field)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(value), v); err != nil {
		return fmt.Errorf("%w: %s: %v", device.ErrConfiguration, field, err)
	}
	return nil
}

// apiFunc implements one API call. A returned error is reported in the
// envelope with its error number.
type apiFunc func(r *request) (any, error)

// handle wraps fn into an http.Handler that writes the response envelope.
func handle(fn apiFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := newRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		txID, err := req.clientTxID()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		value, err := fn(req)
		if err != nil {
			handleError(w, txID, err)
			return
		}
		handleResponse(w, txID, value)
	})
}

func handleResponse(w http.ResponseWriter, txID int, value any) {
	response := baseResponse{
		ServerTransactionID: int(txCounter.Add(1)),
		ClientTransactionID: txID,
		Value:               value,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func handleError(w http.ResponseWriter, txID int, err error) {
	response := baseResponse{
		ServerTransactionID: int(txCounter.Add(1)),
		ClientTransactionID: txID,
		ErrorNumber:         errorNumber(err),
		ErrorMessage:        err.Error(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
