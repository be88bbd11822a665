package exa

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"math/big"
	"os/user"
	"runtime"

	"github.com/koustreak/exalink/internal/errs"
)

const (
	driverName    = "exalink"
	driverVersion = "0.1"
)

// login runs the two-step authentication exchange. The steps are strictly
// sequential: announce the protocol version, receive the server's public
// key, send the RSA-encrypted password with the client attributes, receive
// the session. The password never crosses the wire in clear text.
func (c *Connection) login(ctx context.Context) error {
	data, err := c.request(ctx, loginCommand{
		Command:         "login",
		ProtocolVersion: protocolVersion,
	})
	if err != nil {
		var e *errs.Error
		if errors.As(err, &e) && e.Kind == errs.KindQuery {
			// A server error before credentials were offered is version
			// skew, not an authentication verdict.
			return errs.Server(errs.KindProtocol, e.Code, e.Message)
		}
		return err
	}

	var keys loginKeyData
	if err := decodeJSON(data, &keys); err != nil {
		return c.fail(errs.Wrap(errs.KindProtocol, "malformed login response", err))
	}
	encrypted, err := encryptWithServerKey([]byte(c.cfg.Password), keys)
	if err != nil {
		var e *errs.Error
		if errors.As(err, &e) {
			return c.fail(e)
		}
		return c.fail(errs.Wrap(errs.KindProtocol, "encrypting password", err))
	}

	data, err = c.request(ctx, authCommand{
		Username:         c.cfg.User,
		Password:         base64.StdEncoding.EncodeToString(encrypted),
		DriverName:       driverName + " " + driverVersion,
		ClientName:       driverName,
		ClientVersion:    driverVersion,
		ClientOs:         runtime.GOOS,
		ClientOsUsername: osUsername(),
		ClientRuntime:    "Go " + runtime.Version(),
		UseCompression:   *c.cfg.Compression,
		Attributes: loginAttributes{
			CurrentSchema:               c.cfg.Schema,
			Autocommit:                  *c.cfg.Autocommit,
			QueryTimeout:                c.cfg.QueryTimeout,
			DateFormat:                  "YYYY-MM-DD",
			SnapshotTransactionsEnabled: c.cfg.SnapshotTransactions,
		},
	})
	if err != nil {
		var e *errs.Error
		if errors.As(err, &e) && e.Kind == errs.KindQuery {
			// The server rejected the credentials. Never retried.
			return errs.Server(errs.KindAuth, e.Code, e.Message)
		}
		return err
	}

	var sess sessionData
	if err := decodeJSON(data, &sess); err != nil {
		return c.fail(errs.Wrap(errs.KindProtocol, "malformed session response", err))
	}

	c.mu.Lock()
	c.sessionID = sess.SessionID
	c.dateFormat = "YYYY-MM-DD"
	c.mu.Unlock()

	// Every message after the login response is compressed once negotiated.
	if *c.cfg.Compression {
		c.ch.EnableCompression()
	}
	return nil
}

// encryptWithServerKey encrypts the password with the server's public key
// using RSA PKCS#1 v1.5, the padding the server expects.
func encryptWithServerKey(password []byte, keys loginKeyData) ([]byte, error) {
	pub, err := parseServerKey(keys)
	if err != nil {
		return nil, err
	}
	encrypted, err := rsa.EncryptPKCS1v15(rand.Reader, pub, password)
	if err != nil {
		return nil, errs.Wrap(errs.KindProtocol, "encrypting password", err)
	}
	return encrypted, nil
}

// parseServerKey accepts the PEM form of the server key, falling back to the
// spelled-out modulus/exponent pair.
func parseServerKey(keys loginKeyData) (*rsa.PublicKey, error) {
	if keys.PublicKeyPem != "" {
		block, _ := pem.Decode([]byte(keys.PublicKeyPem))
		if block == nil {
			return nil, errs.New(errs.KindProtocol, "malformed public key pem")
		}
		if pub, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
			return pub, nil
		}
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, errs.Wrap(errs.KindProtocol, "malformed public key pem", err)
		}
		pub, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, errs.New(errs.KindProtocol, "server key is not an RSA key")
		}
		return pub, nil
	}

	if keys.PublicKeyModulus != "" && keys.PublicKeyExponent != "" {
		n, ok := new(big.Int).SetString(keys.PublicKeyModulus, 16)
		if !ok {
			return nil, errs.New(errs.KindProtocol, "malformed public key modulus")
		}
		e, ok := new(big.Int).SetString(keys.PublicKeyExponent, 16)
		if !ok || !e.IsInt64() {
			return nil, errs.New(errs.KindProtocol, "malformed public key exponent")
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	}

	return nil, errs.New(errs.KindProtocol, "server sent no public key material")
}

func osUsername() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return u.Username
}
