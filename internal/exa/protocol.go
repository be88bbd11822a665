package exa

import (
	"bytes"
	"encoding/json"

	"github.com/koustreak/exalink/internal/decode"
)

// protocolVersion is the websocket API version this client speaks.
const protocolVersion = 3

// --- Outgoing commands ---

type loginCommand struct {
	Command         string `json:"command"`
	ProtocolVersion int    `json:"protocolVersion"`
}

type authCommand struct {
	Username         string          `json:"username"`
	Password         string          `json:"password"` // RSA-encrypted, base64
	DriverName       string          `json:"driverName"`
	ClientName       string          `json:"clientName"`
	ClientVersion    string          `json:"clientVersion"`
	ClientOs         string          `json:"clientOs"`
	ClientOsUsername string          `json:"clientOsUsername"`
	ClientRuntime    string          `json:"clientRuntime"`
	UseCompression   bool            `json:"useCompression"`
	Attributes       loginAttributes `json:"attributes"`
}

type loginAttributes struct {
	CurrentSchema               string `json:"currentSchema"`
	Autocommit                  bool   `json:"autocommit"`
	QueryTimeout                int64  `json:"queryTimeout"`
	DateFormat                  string `json:"dateFormat"`
	SnapshotTransactionsEnabled *bool  `json:"snapshotTransactionsEnabled,omitempty"`
}

type executeCommand struct {
	Command string `json:"command"`
	SQLText string `json:"sqlText"`
}

type fetchCommand struct {
	Command         string `json:"command"`
	ResultSetHandle int64  `json:"resultSetHandle"`
	StartPosition   int64  `json:"startPosition"`
	NumBytes        int64  `json:"numBytes"`
}

type closeResultSetCommand struct {
	Command          string  `json:"command"`
	ResultSetHandles []int64 `json:"resultSetHandles"`
}

// simpleCommand covers commands without parameters: getAttributes,
// disconnect.
type simpleCommand struct {
	Command string `json:"command"`
}

// --- Incoming envelope ---

// response is the outer envelope of every server message. Status is "ok" or
// "error"; any response may piggyback session attribute updates.
type response struct {
	Status       *string            `json:"status"`
	ResponseData json.RawMessage    `json:"responseData"`
	Exception    *serverException   `json:"exception"`
	Attributes   *sessionAttributes `json:"attributes"`
}

// serverException uses pointers so absent fields are distinguishable from
// empty ones; a malformed exception object is a protocol error, not a
// server error.
type serverException struct {
	Text    *string `json:"text"`
	SQLCode *string `json:"sqlCode"`
}

type sessionAttributes struct {
	DateFormat     *string `json:"dateFormat"`
	DatetimeFormat *string `json:"datetimeFormat"`
	Timezone       *string `json:"timezone"`
	Autocommit     *bool   `json:"autocommit"`
}

// --- Response payloads ---

// loginKeyData is the server's public key material from the first login
// step. The PEM form is preferred; modulus/exponent (hex) is the spelled-out
// equivalent.
type loginKeyData struct {
	PublicKeyPem      string `json:"publicKeyPem"`
	PublicKeyModulus  string `json:"publicKeyModulus"`
	PublicKeyExponent string `json:"publicKeyExponent"`
}

// sessionData is the payload of a successful login.
type sessionData struct {
	SessionID          int64  `json:"sessionId"`
	ProtocolVersion    int64  `json:"protocolVersion"`
	ReleaseVersion     string `json:"releaseVersion"`
	DatabaseName       string `json:"databaseName"`
	ProductName        string `json:"productName"`
	MaxDataMessageSize int64  `json:"maxDataMessageSize"`
	TimeZone           string `json:"timeZone"`
}

type executeData struct {
	NumResults int64         `json:"numResults"`
	Results    []resultEntry `json:"results"`
}

type resultEntry struct {
	ResultType string         `json:"resultType"` // "resultSet" or "rowCount"
	RowCount   int64          `json:"rowCount"`
	ResultSet  *resultSetData `json:"resultSet"`
}

// resultSetData describes an executed statement's result: column metadata,
// the total row count, and either an inlined batch of rows or a server-side
// handle for paged fetching. Data is column-major, exactly as on the wire.
type resultSetData struct {
	ResultSetHandle  *int64   `json:"resultSetHandle"`
	NumColumns       int64    `json:"numColumns"`
	NumRows          int64    `json:"numRows"`
	NumRowsInMessage int64    `json:"numRowsInMessage"`
	Columns          []Column `json:"columns"`
	Data             [][]any  `json:"data"`
}

// Column is one entry of a result's ordered column metadata.
type Column struct {
	Name     string          `json:"name"`
	DataType decode.DataType `json:"dataType"`
}

// fetchData is the payload of a fetch response: one further page.
type fetchData struct {
	NumRows int64   `json:"numRows"`
	Data    [][]any `json:"data"`
}

// decodeJSON unmarshals with UseNumber so DECIMAL values of any precision
// reach the value decoder undamaged.
func decodeJSON(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}
