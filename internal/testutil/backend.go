package testutil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// APIPrefix is the path prefix the fake backend serves under.
const APIPrefix = "/api/v1"

// CloseFrame records a close frame received from a client.
type CloseFrame struct {
	Code int
	Text string
}

// CardUpdate records one PUT /crm/cards/{id} call.
type CardUpdate struct {
	CardID   int64
	ColumnID int64
	Order    int
	Token    string
}

// Board, Column and Card use the backend's wire field names.
type Board struct {
	ID        int64  `json:"id"`
	Name      string `json:"nome"`
	TenantID  *int64 `json:"empresa_id"`
	CreatedAt string `json:"created_at,omitempty"`
}

type Column struct {
	ID      int64  `json:"id"`
	Name    string `json:"nome"`
	Order   int    `json:"ordem"`
	BoardID int64  `json:"board_id"`
}

type Card struct {
	ID          int64   `json:"id"`
	Title       string  `json:"titulo"`
	Description *string `json:"descricao"`
	Order       int     `json:"ordem"`
	ColumnID    int64   `json:"coluna_id"`
	TenantID    *int64  `json:"empresa_id"`
}

type Instance struct {
	ID              int64   `json:"id"`
	Name            string  `json:"nome_instancia"`
	APIURL          string  `json:"api_endpoint"`
	Status          string  `json:"status_conexao"`
	StatusTimestamp *string `json:"status_timestamp"`
	TenantID        *int64  `json:"empresa_id"`
}

type peer struct {
	conn    *websocket.Conn
	path    string
	auth    string
	writeMu sync.Mutex
}

// FakeBackend is an in-process stand-in for the console's REST and websocket
// backend, built on gin and served by httptest.
type FakeBackend struct {
	t      *testing.T
	server *httptest.Server

	mu           sync.Mutex
	peers        []*peer
	received     [][]byte
	closeFrames  []CloseFrame
	boards       []Board
	columns      []Column
	cards        map[int64]*Card
	instances    []Instance
	cardUpdates  []CardUpdate
	connectCalls []int64
	me           map[string]any

	// failUpdates maps card id → HTTP status returned by PUT /crm/cards/{id}.
	failUpdates map[int64]int
	// connectReplies maps instance id → body returned by POST /evolution/{id}/connect.
	connectReplies map[int64]gin.H
	failConnect    map[int64]int
	updateGate     chan struct{}
	rejectSocket   bool
	logins         map[string]login
	revoked        map[string]bool
}

type login struct {
	password string
	token    string
}

// NewFakeBackend starts a fake backend that is shut down with the test.
func NewFakeBackend(t *testing.T) *FakeBackend {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &FakeBackend{
		t:              t,
		cards:          make(map[int64]*Card),
		failUpdates:    make(map[int64]int),
		connectReplies: make(map[int64]gin.H),
		failConnect:    make(map[int64]int),
		logins:         make(map[string]login),
		revoked:        make(map[string]bool),
		me:             map[string]any{"id": 7, "empresa_id": 3, "email": "ops@example.com", "nome": "Ops", "is_superuser": false},
	}

	r := gin.New()
	api := r.Group(APIPrefix)
	api.GET("/ws/:tenant/:user", f.handleSocket)
	api.POST("/login/access-token", f.handleLogin)

	rest := api.Group("", f.requireBearer)
	rest.GET("/usuarios/me", f.handleMe)
	rest.GET("/crm/boards/", f.handleListBoards)
	rest.GET("/crm/colunas/by_board/:id", f.handleListColumns)
	rest.GET("/crm/cards/by_coluna/:id", f.handleListCards)
	rest.PUT("/crm/cards/:id", f.handleUpdateCard)
	rest.GET("/evolution/", f.handleListInstances)
	rest.POST("/evolution/", f.handleCreateInstance)
	rest.POST("/evolution/:id/connect", f.handleConnect)

	f.server = httptest.NewServer(r)
	t.Cleanup(f.Close)
	return f
}

// URL returns the REST base URL, including the API prefix.
func (f *FakeBackend) URL() string {
	return f.server.URL + APIPrefix
}

// Close shuts the server down and drops every open socket.
func (f *FakeBackend) Close() {
	f.DropSockets()
	f.server.Close()
}

// RejectSockets makes the websocket endpoint refuse upgrades.
func (f *FakeBackend) RejectSockets() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectSocket = true
}

// SetMe sets the body returned by GET /usuarios/me.
func (f *FakeBackend) SetMe(me map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.me = me
}

// AddLogin accepts username and password on the login endpoint and answers
// with token.
func (f *FakeBackend) AddLogin(username, password, token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins[username] = login{password: password, token: token}
}

// RevokeToken makes every REST call carrying token fail with 401.
func (f *FakeBackend) RevokeToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[token] = true
}

// AddBoard, AddColumn and AddCard seed board state.
func (f *FakeBackend) AddBoard(id int64, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boards = append(f.boards, Board{ID: id, Name: name})
}

func (f *FakeBackend) AddColumn(boardID, id int64, name string, order int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.columns = append(f.columns, Column{ID: id, Name: name, Order: order, BoardID: boardID})
}

func (f *FakeBackend) AddCard(columnID, id int64, title string, order int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cards[id] = &Card{ID: id, Title: title, Order: order, ColumnID: columnID}
}

// AddInstance seeds the instance list.
func (f *FakeBackend) AddInstance(id int64, name, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances = append(f.instances, Instance{ID: id, Name: name, APIURL: "http://gateway.local", Status: status})
}

// FailCardUpdate makes updates of cardID fail with status.
func (f *FakeBackend) FailCardUpdate(cardID int64, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failUpdates[cardID] = status
}

// HoldCardUpdates blocks card update handlers until the returned func is called.
func (f *FakeBackend) HoldCardUpdates() (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.updateGate = gate
	var once sync.Once
	release = func() { once.Do(func() { close(gate) }) }
	f.t.Cleanup(release)
	return release
}

// SetConnectReply sets the body returned when instanceID is connected.
func (f *FakeBackend) SetConnectReply(instanceID int64, body gin.H) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectReplies[instanceID] = body
}

// FailConnect makes connect calls for instanceID fail with status.
func (f *FakeBackend) FailConnect(instanceID int64, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failConnect[instanceID] = status
}

// CardUpdates returns every card update received so far.
func (f *FakeBackend) CardUpdates() []CardUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CardUpdate(nil), f.cardUpdates...)
}

// ConnectCalls returns the instance ids of every connect call received.
func (f *FakeBackend) ConnectCalls() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.connectCalls...)
}

// SocketCount returns the number of websocket connections accepted.
func (f *FakeBackend) SocketCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

// SocketPaths returns the request path of every accepted websocket.
func (f *FakeBackend) SocketPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	paths := make([]string, 0, len(f.peers))
	for _, p := range f.peers {
		paths = append(paths, p.path)
	}
	return paths
}

// SocketAuth returns the Authorization header of every accepted websocket.
func (f *FakeBackend) SocketAuth() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	auth := make([]string, 0, len(f.peers))
	for _, p := range f.peers {
		auth = append(auth, p.auth)
	}
	return auth
}

// Received returns every text frame sent by clients.
func (f *FakeBackend) Received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.received...)
}

// CloseFrames returns every close frame sent by clients.
func (f *FakeBackend) CloseFrames() []CloseFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CloseFrame(nil), f.closeFrames...)
}

// WaitForSockets blocks until at least n websockets have been accepted.
func (f *FakeBackend) WaitForSockets(n int) {
	f.t.Helper()
	require.Eventually(f.t, func() bool { return f.SocketCount() >= n }, 2*time.Second, 10*time.Millisecond,
		"expected %d websocket connections", n)
}

// WaitForReceived blocks until at least n frames have been received.
func (f *FakeBackend) WaitForReceived(n int) [][]byte {
	f.t.Helper()
	require.Eventually(f.t, func() bool { return len(f.Received()) >= n }, 2*time.Second, 10*time.Millisecond,
		"expected %d inbound frames", n)
	return f.Received()
}

// Push JSON-encodes v and writes it to the most recent socket.
func (f *FakeBackend) Push(v any) {
	f.t.Helper()
	data, err := json.Marshal(v)
	require.NoError(f.t, err)
	f.PushRaw(data)
}

// PushRaw writes data verbatim to the most recent socket.
func (f *FakeBackend) PushRaw(data []byte) {
	f.t.Helper()
	f.mu.Lock()
	peers := append([]*peer(nil), f.peers...)
	f.mu.Unlock()
	require.NotEmpty(f.t, peers, "no websocket connected")
	p := peers[len(peers)-1]

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	require.NoError(f.t, p.conn.WriteMessage(websocket.TextMessage, data))
}

// CloseSockets sends a close frame with code to every socket.
func (f *FakeBackend) CloseSockets(code int, text string) {
	f.mu.Lock()
	peers := append([]*peer(nil), f.peers...)
	f.mu.Unlock()

	for _, p := range peers {
		p.writeMu.Lock()
		p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
		p.writeMu.Unlock()
	}
}

// DropSockets closes every socket without a close handshake.
func (f *FakeBackend) DropSockets() {
	f.mu.Lock()
	peers := append([]*peer(nil), f.peers...)
	f.mu.Unlock()

	for _, p := range peers {
		p.conn.NetConn().Close()
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (f *FakeBackend) handleSocket(c *gin.Context) {
	f.mu.Lock()
	reject := f.rejectSocket
	f.mu.Unlock()
	if reject {
		c.JSON(http.StatusForbidden, gin.H{"detail": "websocket refused"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	p := &peer{conn: conn, path: c.Request.URL.Path, auth: c.GetHeader("Authorization")}
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				f.mu.Lock()
				f.closeFrames = append(f.closeFrames, CloseFrame{Code: ce.Code, Text: ce.Text})
				f.mu.Unlock()
			}
			conn.Close()
			return
		}
		f.mu.Lock()
		f.received = append(f.received, data)
		f.mu.Unlock()
	}
}

func (f *FakeBackend) requireBearer(c *gin.Context) {
	auth := c.GetHeader("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Not authenticated"})
		return
	}
	f.mu.Lock()
	revoked := f.revoked[strings.TrimPrefix(auth, "Bearer ")]
	f.mu.Unlock()
	if revoked {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Could not validate credentials"})
		return
	}
	c.Next()
}

func (f *FakeBackend) handleLogin(c *gin.Context) {
	username, password := c.PostForm("username"), c.PostForm("password")

	f.mu.Lock()
	l, ok := f.logins[username]
	f.mu.Unlock()

	if !ok || l.password != password {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Incorrect email or password"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": l.token, "token_type": "bearer"})
}

func (f *FakeBackend) handleMe(c *gin.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.JSON(http.StatusOK, f.me)
}

func (f *FakeBackend) handleListBoards(c *gin.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.JSON(http.StatusOK, append([]Board{}, f.boards...))
}

func (f *FakeBackend) handleListColumns(c *gin.Context) {
	boardID, ok := pathID(c)
	if !ok {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	cols := []Column{}
	for _, col := range f.columns {
		if col.BoardID == boardID {
			cols = append(cols, col)
		}
	}
	c.JSON(http.StatusOK, cols)
}

func (f *FakeBackend) handleListCards(c *gin.Context) {
	columnID, ok := pathID(c)
	if !ok {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	cards := []Card{}
	for _, card := range f.cards {
		if card.ColumnID == columnID {
			cards = append(cards, *card)
		}
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].Order < cards[j].Order })
	c.JSON(http.StatusOK, cards)
}

func (f *FakeBackend) handleUpdateCard(c *gin.Context) {
	cardID, ok := pathID(c)
	if !ok {
		return
	}
	var body struct {
		ColumnID *int64 `json:"coluna_id"`
		Order    *int   `json:"ordem"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}

	f.mu.Lock()
	update := CardUpdate{CardID: cardID, Token: strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")}
	if body.ColumnID != nil {
		update.ColumnID = *body.ColumnID
	}
	if body.Order != nil {
		update.Order = *body.Order
	}
	f.cardUpdates = append(f.cardUpdates, update)
	gate := f.updateGate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if status, fail := f.failUpdates[cardID]; fail {
		c.JSON(status, gin.H{"detail": "Card update rejected"})
		return
	}
	card, exists := f.cards[cardID]
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Card not found"})
		return
	}
	card.ColumnID = update.ColumnID
	card.Order = update.Order
	c.JSON(http.StatusOK, card)
}

func (f *FakeBackend) handleListInstances(c *gin.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.JSON(http.StatusOK, append([]Instance{}, f.instances...))
}

func (f *FakeBackend) handleCreateInstance(c *gin.Context) {
	var body Instance
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	body.ID = int64(len(f.instances) + 1)
	if body.Status == "" {
		body.Status = "disconnected"
	}
	f.instances = append(f.instances, body)
	c.JSON(http.StatusOK, body)
}

func (f *FakeBackend) handleConnect(c *gin.Context) {
	instanceID, ok := pathID(c)
	if !ok {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls = append(f.connectCalls, instanceID)
	if status, fail := f.failConnect[instanceID]; fail {
		c.JSON(status, gin.H{"detail": "Evolution API unreachable"})
		return
	}
	if reply, exists := f.connectReplies[instanceID]; exists {
		c.JSON(http.StatusOK, reply)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "connecting"})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "invalid id"})
		return 0, false
	}
	return id, true
}
