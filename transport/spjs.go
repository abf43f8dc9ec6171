package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// SPJS exposes one port of a serial-port-json-server instance as
// a byte stream. Data frames for other ports are discarded; the
// session on top never knows a bridge is involved.
type SPJS struct {
	ws   *websocket.Conn
	port string

	pr *io.PipeReader
	pw *io.PipeWriter

	mx     sync.Mutex
	closed bool
}

type spjsDataFrame struct {
	Port string `json:"P"`
	Data string `json:"D"`
}

type spjsSend struct {
	Port string     `json:"P"`
	Data []spjsData `json:"Data"`
}
type spjsData struct {
	Data string `json:"D"`
	ID   string `json:"Id"`
}

// DialSPJS connects to the bridge, opens the named port and
// returns a Conn carrying that port's raw traffic.
func DialSPJS(url, port string, baud int, timeout time.Duration) (*SPJS, error) {
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	ws, _, err := dialer.Dial(url, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("dial spjs %s: %w", url, err)
	}
	if baud == 0 {
		baud = 115200
	}

	err = ws.WriteMessage(websocket.TextMessage, []byte("open "+port+" "+strconv.Itoa(baud)))
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("open port %s: %w", port, err)
	}

	pr, pw := io.Pipe()
	sp := &SPJS{ws: ws, port: port, pr: pr, pw: pw}
	go sp.readLoop()

	return sp, nil
}

func (sp *SPJS) readLoop() {
	for {
		_, data, err := sp.ws.ReadMessage()
		if err != nil {
			sp.pw.CloseWithError(err)
			return
		}
		if len(data) == 0 || data[0] != '{' {
			// ignore echo messages
			continue
		}
		var frame spjsDataFrame
		if err = json.Unmarshal(data, &frame); err != nil {
			logrus.WithError(err).Debug("spjs: skipping unparsable frame")
			continue
		}
		if frame.Port != sp.port || frame.Data == "" {
			continue
		}
		if _, err = io.WriteString(sp.pw, frame.Data); err != nil {
			return
		}
	}
}

// Read returns controller output for the bridged port.
func (sp *SPJS) Read(p []byte) (int, error) {
	return sp.pr.Read(p)
}

var spjsID int64

// Write forwards data to the bridged port via sendjson.
func (sp *SPJS) Write(p []byte) (int, error) {
	sp.mx.Lock()
	defer sp.mx.Unlock()
	if sp.closed {
		return 0, io.ErrClosedPipe
	}

	spjsID++
	msg := spjsSend{
		Port: sp.port,
		Data: []spjsData{{Data: string(p), ID: "cmd_" + strconv.FormatInt(spjsID, 36)}},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}
	err = sp.ws.WriteMessage(websocket.TextMessage, append([]byte("sendjson "), data...))
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (sp *SPJS) Close() error {
	sp.mx.Lock()
	defer sp.mx.Unlock()
	if sp.closed {
		return nil
	}
	sp.closed = true
	sp.pw.Close()
	return sp.ws.Close()
}
