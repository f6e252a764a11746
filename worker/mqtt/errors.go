package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

var (
	ErrNotConnected = errors.New("not connected to broker")
	ErrInvalidTopic = errors.New("invalid topic")
	ErrInvalidQoS   = errors.New("invalid qos, must be 0, 1 or 2")
	ErrTimeout      = errors.New("timed out waiting for broker")
	ErrClientClosed = errors.New("client is disconnected for good")
)

type Phase string

const (
	PhaseNetwork  Phase = "network"
	PhaseTls      Phase = "tls"
	PhaseProtocol Phase = "protocol"
)

// ConnectError tells where in the connection sequence things went wrong.
type ConnectError struct {
	Phase  Phase
	Broker string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s failed (%s): %s", e.Broker, e.Phase, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s failed: %s", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// classifyConnectError maps the CONNACK return code and error from paho to a phase.
// Paho flattens network errors into strings, so the TLS case falls back to looking at the text.
func classifyConnectError(rc byte, err error) Phase {
	if rc != packets.Accepted && rc != packets.ErrNetworkError {
		return PhaseProtocol
	}
	if err == nil {
		return PhaseNetwork
	}
	var (
		recordErr  tls.RecordHeaderError
		alertErr   tls.AlertError
		unknownCA  x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		invalidErr x509.CertificateInvalidError
		verifyErr  *tls.CertificateVerificationError
	)
	switch {
	case errors.As(err, &recordErr), errors.As(err, &alertErr), errors.As(err, &unknownCA),
		errors.As(err, &hostErr), errors.As(err, &invalidErr), errors.As(err, &verifyErr):
		return PhaseTls
	}
	msg := err.Error()
	if strings.Contains(msg, "tls:") || strings.Contains(msg, "x509:") {
		return PhaseTls
	}
	return PhaseNetwork
}
