package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/credrake/credrake/oracle"
)

// NATSRelayConfig configures the relayed oracle.
type NATSRelayConfig struct {
	URL             string `yaml:"url"`
	CredentialsFile string `yaml:"credentials_file"`

	// SubjectPrefix roots the relay's request subjects:
	// <prefix>.submit and <prefix>.fetch.
	SubjectPrefix string `yaml:"subject_prefix"`

	ReconnectWaitMS int `yaml:"reconnect_wait_ms"`
	MaxReconnects   int `yaml:"max_reconnects"`

	// MaxRequestBytes caps a single submission as enforced by the
	// relay agent's target.
	MaxRequestBytes int `yaml:"max_request_bytes"`

	// CorruptingBytes reflect the relayed target's encoding, not the
	// NATS hop (which is binary-clean).
	CorruptingBytes []byte `yaml:"corrupting_bytes"`
}

// relayRequest is the wire format for both relay subjects. Fetch
// requests carry only the handle.
type relayRequest struct {
	Handle  string `json:"handle"`
	Payload []byte `json:"payload,omitempty"`
}

// relayReply acknowledges a submit or answers a fetch.
type relayReply struct {
	Handle     string `json:"handle"`
	Ciphertext []byte `json:"ciphertext,omitempty"`
	Error      string `json:"error,omitempty"`
}

// NATSRelay drives the oracle through a relay agent reachable over NATS
// request/reply. The agent performs the update-then-read cycle against
// the target and keys results by handle, so submissions and retrievals
// may be pipelined freely.
type NATSRelay struct {
	conn *nats.Conn
	cfg  NATSRelayConfig
}

// NewNATSRelay connects to the NATS server and returns the transport.
func NewNATSRelay(cfg NATSRelayConfig) (*NATSRelay, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "credrake.oracle"
	}
	if cfg.ReconnectWaitMS <= 0 {
		cfg.ReconnectWaitMS = 2000
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = 8000
	}
	if cfg.CorruptingBytes == nil {
		cfg.CorruptingBytes = []byte{'\n', '\r'}
	}

	opts := []nats.Option{
		nats.Name("credrake-relay"),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWaitMS) * time.Millisecond),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
		}
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	return &NATSRelay{conn: conn, cfg: cfg}, nil
}

func (t *NATSRelay) CorruptingByteValues() []byte { return t.cfg.CorruptingBytes }

func (t *NATSRelay) MaxRequestBytes() int { return t.cfg.MaxRequestBytes }

// Submit hands the batch to the relay agent and returns the handle the
// agent will key the result under.
func (t *NATSRelay) Submit(ctx context.Context, batch []byte) (oracle.Handle, error) {
	handle := uuid.NewString()
	reply, err := t.request(ctx, t.cfg.SubjectPrefix+".submit", relayRequest{
		Handle:  handle,
		Payload: batch,
	})
	if err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("relay rejected submission: %s", reply.Error)
	}
	log.Debug().Str("handle", handle).Int("bytes", len(batch)).Msg("batch relayed")
	return handle, nil
}

// Retrieve asks the relay agent for the ciphertext produced for handle.
func (t *NATSRelay) Retrieve(ctx context.Context, h oracle.Handle) ([]byte, error) {
	handle, isString := h.(string)
	if !isString {
		return nil, fmt.Errorf("foreign handle %T", h)
	}
	reply, err := t.request(ctx, t.cfg.SubjectPrefix+".fetch", relayRequest{Handle: handle})
	if err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("relay fetch failed: %s", reply.Error)
	}
	if len(reply.Ciphertext) == 0 {
		return nil, fmt.Errorf("relay returned no ciphertext for handle %s", handle)
	}
	return reply.Ciphertext, nil
}

func (t *NATSRelay) request(ctx context.Context, subject string, req relayRequest) (*relayReply, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	msg, err := t.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("relay request on %s: %w", subject, err)
	}
	var reply relayReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("malformed relay reply: %w", err)
	}
	return &reply, nil
}

// Close drains the NATS connection.
func (t *NATSRelay) Close() {
	t.conn.Close()
}
