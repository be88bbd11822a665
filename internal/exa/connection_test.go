package exa

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koustreak/exalink/internal/errs"
)

func TestConnect(t *testing.T) {
	c, _, ch := connectStub(t)

	assert.Equal(t, StateAuthenticated, c.State())
	assert.Equal(t, int64(8231), c.SessionID())
	assert.True(t, c.Autocommit())

	// Strictly sequential handshake, then the attribute exchange.
	assert.Equal(t, []string{"login", "<auth>", "getAttributes"}, ch.commands())

	// Session attributes were absorbed from the response envelope.
	sess := c.session()
	assert.Equal(t, "YYYY-MM-DD", sess.DateFormat)
	assert.Equal(t, "YYYY-MM-DD HH24:MI:SS.FF6", sess.DatetimeFormat)
	require.NotNil(t, sess.Location)
	assert.Equal(t, "Europe/Amsterdam", sess.Location.String())
}

func TestConnectPasswordNeverInClearText(t *testing.T) {
	_, _, ch := connectStub(t)

	for _, req := range ch.sent {
		raw, err := json.Marshal(req)
		require.NoError(t, err)
		assert.NotContains(t, string(raw), "exasol")
	}
}

func TestConnectTwice(t *testing.T) {
	c, _, _ := connectStub(t)
	err := c.connect(context.Background())
	assert.True(t, errs.IsUsage(err))
}

func TestWrongCredentials(t *testing.T) {
	stub := newStubServer(t)
	ch := &fakeChannel{handler: stub.handle}
	cfg := testConfig(t)
	cfg.Password = "not-exasol"

	c := newConnection(ch, cfg)
	err := c.connect(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsAuth(err))
	assert.Equal(t, "08004", errs.ServerCode(err))
	assert.Equal(t, StateFailed, c.State())
}

func TestCompressionNegotiated(t *testing.T) {
	stub := newStubServer(t)
	ch := &fakeChannel{handler: stub.handle}
	cfg := testConfig(t)
	cfg.Compression = boolPtr(true)

	c := newConnection(ch, cfg)
	require.NoError(t, c.connect(context.Background()))
	assert.True(t, ch.compressed)
}

func TestInvalidJSONPoisons(t *testing.T) {
	ch := &fakeChannel{handler: func(req map[string]any) (any, error) {
		return rawResponse("nonsense"), nil
	}}

	c := newConnection(ch, testConfig(t))
	err := c.connect(context.Background())
	assert.True(t, errs.IsProtocol(err))
	assert.Equal(t, StateFailed, c.State())
	assert.True(t, ch.closed)
}

func TestMissingStatus(t *testing.T) {
	stub := newStubServer(t)
	ch := &fakeChannel{handler: func(req map[string]any) (any, error) {
		resp, err := stub.handle(req)
		if err != nil {
			return nil, err
		}
		env := resp.(map[string]any)
		delete(env, "status")
		return env, nil
	}}

	c := newConnection(ch, testConfig(t))
	err := c.connect(context.Background())
	assert.True(t, errs.IsProtocol(err))
	assert.Equal(t, StateFailed, c.State())
}

func TestWrongStatus(t *testing.T) {
	stub := newStubServer(t)
	ch := &fakeChannel{handler: func(req map[string]any) (any, error) {
		resp, err := stub.handle(req)
		if err != nil {
			return nil, err
		}
		resp.(map[string]any)["status"] = "nonsense"
		return resp, nil
	}}

	c := newConnection(ch, testConfig(t))
	err := c.connect(context.Background())
	assert.True(t, errs.IsProtocol(err))
	assert.Equal(t, StateFailed, c.State())
}

func TestMissingExceptionData(t *testing.T) {
	stub := newStubServer(t)
	stub.password = "something-else" // force an error response
	ch := &fakeChannel{handler: func(req map[string]any) (any, error) {
		resp, err := stub.handle(req)
		if err != nil {
			return nil, err
		}
		env := resp.(map[string]any)
		if env["status"] == "error" {
			delete(env["exception"].(map[string]any), "sqlCode")
		}
		return env, nil
	}}

	c := newConnection(ch, testConfig(t))
	err := c.connect(context.Background())
	assert.True(t, errs.IsProtocol(err))
}

func TestUnknownTimezoneLeavesLocationUnset(t *testing.T) {
	stub := newStubServer(t)
	stub.attributes["timezone"] = "Nowhere/Atlantis"
	ch := &fakeChannel{handler: stub.handle}

	c := newConnection(ch, testConfig(t))
	require.NoError(t, c.connect(context.Background()))
	assert.Nil(t, c.session().Location)
}

func TestQueryErrorDoesNotPoison(t *testing.T) {
	c, stub, _ := connectStub(t)
	stub.onExecute = func(sql string) any {
		return errEnv("42000", "syntax error near FORM")
	}

	_, err := c.Execute(context.Background(), "SELECT * FORM t")
	require.Error(t, err)
	assert.True(t, errs.IsQuery(err))
	assert.Equal(t, "42000", errs.ServerCode(err))
	assert.Equal(t, StateAuthenticated, c.State())
}

func TestExecuteOnClosedConnection(t *testing.T) {
	c, _, _ := connectStub(t)
	require.NoError(t, c.Close(context.Background()))

	_, err := c.Execute(context.Background(), "SELECT 1")
	require.Error(t, err)
	assert.True(t, errs.IsUsage(err))
}

func TestCloseSendsDisconnect(t *testing.T) {
	c, stub, ch := connectStub(t)
	require.NoError(t, c.Close(context.Background()))

	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 1, stub.disconnects)
	assert.True(t, ch.closed)
}

func TestCloseTwice(t *testing.T) {
	c, stub, _ := connectStub(t)
	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, 1, stub.disconnects)
	assert.Equal(t, StateClosed, c.State())
}

func TestHandshakeTimeoutPoisons(t *testing.T) {
	stub := newStubServer(t)
	ch := &fakeChannel{handler: func(req map[string]any) (any, error) {
		if req["command"] == "login" {
			return blockResponse{}, nil
		}
		return stub.handle(req)
	}}
	cfg := testConfig(t)
	cfg.Timeout = 20 * time.Millisecond

	c := newConnection(ch, cfg)
	ctx, cancel := opContext(context.Background(), cfg.Timeout)
	defer cancel()
	err := c.connect(ctx)
	require.Error(t, err)
	assert.True(t, errs.IsTimeout(err))
	assert.Equal(t, StateFailed, c.State())

	// Poisoned: later operations fail fast with the same kind.
	_, err = c.Execute(context.Background(), "SELECT 1")
	assert.True(t, errs.IsTimeout(err))
}

func TestTimeoutMidSessionPoisons(t *testing.T) {
	c, stub, ch := connectStub(t)
	_ = stub
	inner := ch.handler
	ch.handler = func(req map[string]any) (any, error) {
		if req["command"] == "execute" {
			return blockResponse{}, nil
		}
		return inner(req)
	}
	c.cfg.Timeout = 20 * time.Millisecond

	_, err := c.Execute(context.Background(), "SELECT SLEEP(60)")
	require.Error(t, err)
	assert.True(t, errs.IsTimeout(err))
	assert.Equal(t, StateFailed, c.State())
	assert.True(t, ch.closed)

	_, err = c.Execute(context.Background(), "SELECT 1")
	assert.True(t, errs.IsTimeout(err))
}

func TestTransportDropPoisons(t *testing.T) {
	c, _, ch := connectStub(t)
	ch.handler = func(req map[string]any) (any, error) {
		return nil, assert.AnError
	}

	_, err := c.Execute(context.Background(), "SELECT 1")
	require.Error(t, err)
	assert.True(t, errs.IsConnection(err))
	assert.Equal(t, StateFailed, c.State())
}

func TestCloseResultSetTwiceIsUsageError(t *testing.T) {
	c, stub, _ := connectStub(t)
	stub.onExecute = func(sql string) any {
		return handledResultSet([]map[string]any{decimalCol("C1", 9, 0)}, 11, 100)
	}

	res, err := c.Execute(context.Background(), "SELECT ...")
	require.NoError(t, err)
	require.NotNil(t, res.handle)

	require.NoError(t, c.CloseResultSet(context.Background(), 11))
	err = c.CloseResultSet(context.Background(), 11)
	require.Error(t, err)
	assert.True(t, errs.IsUsage(err))
	assert.Equal(t, []int64{11}, stub.closedHandles)
}

func TestConcurrentExecutesAreSerialized(t *testing.T) {
	c, stub, _ := connectStub(t)
	stub.onExecute = func(sql string) any {
		return inlineResultSet(
			[]map[string]any{decimalCol("C1", 9, 0)},
			[][]any{{1}},
		)
	}

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			res, err := c.Execute(context.Background(), "SELECT 1")
			if err == nil {
				err = res.Close(context.Background())
			}
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		assert.NoError(t, <-done)
	}
}
