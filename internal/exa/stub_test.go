package exa

// Test doubles: fakeChannel is a scripted wire.Channel, stubServer answers
// protocol commands the way a real server would, including RSA password
// verification. Tests splice mutations between the two to provoke protocol
// errors, mirroring the failure modes seen against real servers.

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// rawResponse makes a handler return bytes verbatim instead of marshaling.
type rawResponse []byte

// blockResponse makes the next Receive block until the context is done.
type blockResponse struct{}

type fakeChannel struct {
	handler    func(req map[string]any) (any, error)
	pending    [][]byte
	sent       []map[string]any
	block      bool
	compressed bool
	closed     bool
}

func (f *fakeChannel) Send(ctx context.Context, msg []byte) error {
	var req map[string]any
	if err := json.Unmarshal(msg, &req); err != nil {
		return err
	}
	f.sent = append(f.sent, req)

	resp, err := f.handler(req)
	if err != nil {
		return err
	}
	switch v := resp.(type) {
	case blockResponse:
		f.block = true
	case rawResponse:
		f.pending = append(f.pending, v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		f.pending = append(f.pending, data)
	}
	return nil
}

func (f *fakeChannel) Receive(ctx context.Context) ([]byte, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if len(f.pending) == 0 {
		return nil, errors.New("fakeChannel: no pending response")
	}
	msg := f.pending[0]
	f.pending = f.pending[1:]
	return msg, nil
}

func (f *fakeChannel) EnableCompression() { f.compressed = true }

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

// commands returns the "command" values sent so far, in order. The login
// credential message carries no command field and shows up as "<auth>".
func (f *fakeChannel) commands() []string {
	var out []string
	for _, req := range f.sent {
		if cmd, ok := req["command"].(string); ok {
			out = append(out, cmd)
		} else {
			out = append(out, "<auth>")
		}
	}
	return out
}

type stubServer struct {
	t        *testing.T
	key      *rsa.PrivateKey
	user     string
	password string

	// attributes is piggybacked on the getAttributes response.
	attributes map[string]any

	onExecute func(sql string) any
	onFetch   func(handle, start, numBytes int64) any

	fetchCalls    int
	closedHandles []int64
	disconnects   int
}

func newStubServer(t *testing.T) *stubServer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &stubServer{
		t:        t,
		key:      key,
		user:     "sys",
		password: "exasol",
		attributes: map[string]any{
			"dateFormat":     "YYYY-MM-DD",
			"datetimeFormat": "YYYY-MM-DD HH24:MI:SS.FF6",
			"timezone":       "Europe/Amsterdam",
			"autocommit":     true,
		},
	}
}

func okEnv(data any) map[string]any {
	env := map[string]any{"status": "ok"}
	if data != nil {
		env["responseData"] = data
	}
	return env
}

func errEnv(code, text string) map[string]any {
	return map[string]any{
		"status":    "error",
		"exception": map[string]any{"sqlCode": code, "text": text},
	}
}

func (s *stubServer) publicKeyPem() string {
	der := x509.MarshalPKCS1PublicKey(&s.key.PublicKey)
	return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: der}))
}

func (s *stubServer) handle(req map[string]any) (any, error) {
	cmd, _ := req["command"].(string)
	switch cmd {
	case "login":
		return okEnv(map[string]any{"publicKeyPem": s.publicKeyPem()}), nil

	case "getAttributes":
		return map[string]any{"status": "ok", "attributes": s.attributes}, nil

	case "execute":
		sql, _ := req["sqlText"].(string)
		if s.onExecute == nil {
			return errEnv("42000", "no statement handler installed"), nil
		}
		return s.onExecute(sql), nil

	case "fetch":
		s.fetchCalls++
		handle := int64(req["resultSetHandle"].(float64))
		start := int64(req["startPosition"].(float64))
		numBytes := int64(req["numBytes"].(float64))
		if s.onFetch == nil {
			return errEnv("42000", "no fetch handler installed"), nil
		}
		return s.onFetch(handle, start, numBytes), nil

	case "closeResultSet":
		for _, h := range req["resultSetHandles"].([]any) {
			s.closedHandles = append(s.closedHandles, int64(h.(float64)))
		}
		return okEnv(nil), nil

	case "disconnect":
		s.disconnects++
		return okEnv(nil), nil
	}

	// No command field: the credential message of the login exchange.
	if username, ok := req["username"].(string); ok {
		encrypted, err := base64.StdEncoding.DecodeString(req["password"].(string))
		if err != nil {
			return errEnv("08004", "undecodable password"), nil
		}
		plain, err := rsa.DecryptPKCS1v15(nil, s.key, encrypted)
		if err != nil || username != s.user || string(plain) != s.password {
			return errEnv("08004", "authentication failed"), nil
		}
		return okEnv(map[string]any{
			"sessionId":          int64(8231),
			"protocolVersion":    3,
			"releaseVersion":     "7.1.9",
			"databaseName":       "exadb",
			"productName":        "EXASolution",
			"maxDataMessageSize": 67108864,
		}), nil
	}

	return errEnv("00000", "unrecognized request"), nil
}

// testConfig returns a resolved config pointed at the stub credentials.
// Compression stays off so scripted byte mutations remain readable.
func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := (&Config{
		Host:        "stub",
		User:        "sys",
		Password:    "exasol",
		Compression: boolPtr(false),
	}).withDefaults()
	require.NoError(t, err)
	return cfg
}

// connectStub builds a connection over a fake channel backed by the stub
// server and completes the handshake.
func connectStub(t *testing.T) (*Connection, *stubServer, *fakeChannel) {
	t.Helper()
	stub := newStubServer(t)
	ch := &fakeChannel{handler: stub.handle}
	c := newConnection(ch, testConfig(t))
	require.NoError(t, c.connect(context.Background()))
	return c, stub, ch
}

// inlineResultSet builds an execute envelope with all rows in the message.
// Data is column-major.
func inlineResultSet(columns []map[string]any, data [][]any) any {
	return okEnv(map[string]any{
		"numResults": 1,
		"results": []any{map[string]any{
			"resultType": "resultSet",
			"resultSet": map[string]any{
				"numColumns":       len(columns),
				"numRows":          rowsIn(data),
				"numRowsInMessage": rowsIn(data),
				"columns":          columns,
				"data":             data,
			},
		}},
	})
}

// handledResultSet builds an execute envelope announcing numRows rows behind
// a server-side handle, with no inlined data.
func handledResultSet(columns []map[string]any, handle, numRows int64) any {
	return okEnv(map[string]any{
		"numResults": 1,
		"results": []any{map[string]any{
			"resultType": "resultSet",
			"resultSet": map[string]any{
				"resultSetHandle":  handle,
				"numColumns":       len(columns),
				"numRows":          numRows,
				"numRowsInMessage": 0,
				"columns":          columns,
			},
		}},
	})
}

func rowsIn(data [][]any) int {
	if len(data) == 0 {
		return 0
	}
	return len(data[0])
}

func decimalCol(name string, precision, scale int) map[string]any {
	return map[string]any{
		"name": name,
		"dataType": map[string]any{
			"type": "DECIMAL", "precision": precision, "scale": scale,
		},
	}
}

func varcharCol(name string, size int) map[string]any {
	return map[string]any{
		"name": name,
		"dataType": map[string]any{
			"type": "VARCHAR", "size": size,
		},
	}
}
