package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"sudooom.im.sync/internal/auth"
	"sudooom.im.sync/internal/config"
	apperrors "sudooom.im.sync/internal/errors"
	"sudooom.im.sync/internal/model"
	"sudooom.im.sync/internal/session"
)

type fakeSession struct {
	events chan session.Event

	mu       sync.Mutex
	selected []string
	sent     []string
	visible  []bool
	settings model.NotificationSettings
	typed    int

	SelectFunc func(key string) (uint64, error)
	SendFunc   func(content string) (*model.Message, error)
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		events:   make(chan session.Event, 8),
		settings: model.DefaultNotificationSettings(),
	}
}

func (f *fakeSession) Id() string                    { return "s1" }
func (f *fakeSession) Events() <-chan session.Event { return f.events }

func (f *fakeSession) SelectThread(ctx context.Context, key string) (uint64, error) {
	f.mu.Lock()
	f.selected = append(f.selected, key)
	f.mu.Unlock()
	if f.SelectFunc != nil {
		return f.SelectFunc(key)
	}
	return 1, nil
}

func (f *fakeSession) Send(ctx context.Context, content string, metadata model.Metadata) (*model.Message, error) {
	f.mu.Lock()
	f.sent = append(f.sent, content)
	f.mu.Unlock()
	if f.SendFunc != nil {
		return f.SendFunc(content)
	}
	return &model.Message{Id: "m1", ConversationId: "c1", SenderId: "u1", Content: content}, nil
}

func (f *fakeSession) Edit(ctx context.Context, messageId, content string) (*model.Message, error) {
	return &model.Message{Id: messageId, Content: content, IsEdited: true}, nil
}

func (f *fakeSession) SignalTyping(ctx context.Context) error {
	f.mu.Lock()
	f.typed++
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) SetVisible(visible bool) {
	f.mu.Lock()
	f.visible = append(f.visible, visible)
	f.mu.Unlock()
}

func (f *fakeSession) UpdateSettings(ctx context.Context, settings model.NotificationSettings) error {
	f.mu.Lock()
	f.settings = settings
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Settings() model.NotificationSettings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

type fakeOpener struct {
	sess *fakeSession

	mu       sync.Mutex
	userIds  []string
	released bool
	once     sync.Once
}

func (o *fakeOpener) Open(ctx context.Context, userId string) (Session, error) {
	o.mu.Lock()
	o.userIds = append(o.userIds, userId)
	o.mu.Unlock()
	return o.sess, nil
}

func (o *fakeOpener) Release(s Session) {
	o.once.Do(func() {
		o.mu.Lock()
		o.released = true
		o.mu.Unlock()
		close(o.sess.events)
	})
}

func (o *fakeOpener) isReleased() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.released
}

func startGateway(t *testing.T, cfg config.GatewayConfig) (*Server, *fakeOpener, string) {
	t.Helper()
	opener := &fakeOpener{sess: newFakeSession()}
	srv := NewServer(cfg, opener)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ts.Close()
	})
	return srv, opener, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func writeAction(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(frame)))
}

// readFrame 读取下一帧，type 不匹配的帧跳过
func readFrame(t *testing.T, conn *websocket.Conn, frameType string) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var head struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(data, &head))
		if head.Type == frameType {
			return data
		}
	}
}

func readReply(t *testing.T, conn *websocket.Conn) Reply {
	t.Helper()
	var r Reply
	require.NoError(t, json.Unmarshal(readFrame(t, conn, ReplyType), &r))
	return r
}

func TestDecodeAction(t *testing.T) {
	a, err := DecodeAction([]byte(`{"action":"send","requestId":"r1","content":"hi","metadata":{"attachments":[{"type":"image","name":"a.png","url":"u"}]}}`))
	require.NoError(t, err)
	assert.Equal(t, ActionSend, a.Action)
	assert.Equal(t, "r1", a.RequestId)
	assert.Equal(t, "hi", a.Content)
	require.Len(t, a.Metadata.Attachments, 1)
	assert.Equal(t, "a.png", a.Metadata.Attachments[0].Name)

	_, err = DecodeAction([]byte(`not json`))
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidParams))

	_, err = DecodeAction([]byte(`{"requestId":"r1"}`))
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidParams))
}

func TestAuthenticate_DevMode(t *testing.T) {
	s := NewServer(config.GatewayConfig{}, &fakeOpener{})

	r := httptest.NewRequest(http.MethodGet, "/ws?userId=u1", nil)
	userId, err := s.authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "u1", userId)

	_, err = s.authenticate(httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.True(t, apperrors.Is(err, apperrors.ErrUnauthorized))
}

func TestAuthenticate_Token(t *testing.T) {
	s := NewServer(config.GatewayConfig{JWTSecret: "secret", JWTIssuer: "im-web"}, &fakeOpener{})
	token, err := auth.NewVerifier("secret", "im-web").Issue("u1", "d1", time.Minute)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	userId, err := s.authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "u1", userId)

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	userId, err = s.authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "u1", userId)

	// 开启令牌校验后不再接受 userId 参数
	_, err = s.authenticate(httptest.NewRequest(http.MethodGet, "/ws?userId=u1", nil))
	assert.True(t, apperrors.Is(err, apperrors.ErrUnauthorized))

	forged, err := auth.NewVerifier("other", "im-web").Issue("u1", "d1", time.Minute)
	require.NoError(t, err)
	_, err = s.authenticate(httptest.NewRequest(http.MethodGet, "/ws?token="+forged, nil))
	assert.True(t, apperrors.Is(err, apperrors.ErrUnauthorized))
}

func TestServer_RejectsUnauthenticated(t *testing.T) {
	_, opener, url := startGateway(t, config.GatewayConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, opener.userIds)
}

func TestServer_SelectReply(t *testing.T) {
	_, opener, url := startGateway(t, config.GatewayConfig{})
	opener.sess.SelectFunc = func(key string) (uint64, error) { return 7, nil }

	conn := dial(t, url+"?userId=u1")
	writeAction(t, conn, `{"action":"select","requestId":"r1","threadKey":"u2"}`)

	reply := readReply(t, conn)
	assert.Equal(t, "r1", reply.RequestId)
	assert.Equal(t, uint64(7), reply.Generation)
	assert.Nil(t, reply.Error)

	opener.mu.Lock()
	assert.Equal(t, []string{"u1"}, opener.userIds)
	opener.mu.Unlock()
	opener.sess.mu.Lock()
	assert.Equal(t, []string{"u2"}, opener.sess.selected)
	opener.sess.mu.Unlock()
}

func TestServer_SendAndErrors(t *testing.T) {
	_, opener, url := startGateway(t, config.GatewayConfig{})
	opener.sess.SendFunc = func(content string) (*model.Message, error) {
		if content == "" {
			return nil, apperrors.ErrInvalidParams
		}
		return &model.Message{Id: "m9", Content: content}, nil
	}

	conn := dial(t, url+"?userId=u1")

	writeAction(t, conn, `{"action":"send","requestId":"r1","content":"hello"}`)
	reply := readReply(t, conn)
	require.NotNil(t, reply.Message)
	assert.Equal(t, "m9", reply.Message.Id)

	writeAction(t, conn, `{"action":"send","requestId":"r2","content":""}`)
	reply = readReply(t, conn)
	assert.Equal(t, "r2", reply.RequestId)
	require.NotNil(t, reply.Error)
	assert.Equal(t, apperrors.CodeInvalidParams, reply.Error.Code)

	// 没有 requestId 的失败操作同样收到应答
	writeAction(t, conn, `{"action":"dance"}`)
	reply = readReply(t, conn)
	require.NotNil(t, reply.Error)
	assert.Equal(t, apperrors.CodeUnknownAction, reply.Error.Code)

	writeAction(t, conn, `garbage`)
	reply = readReply(t, conn)
	require.NotNil(t, reply.Error)
	assert.Equal(t, apperrors.CodeInvalidParams, reply.Error.Code)
}

func TestServer_PushesSessionEvents(t *testing.T) {
	_, opener, url := startGateway(t, config.GatewayConfig{})
	conn := dial(t, url+"?userId=u1")

	opener.sess.events <- session.Event{
		Type:    session.EventInbox,
		Threads: []model.LogicalThread{{Key: "u2", Kind: model.ConversationDirect, Title: "Bob"}},
	}

	var ev session.Event
	require.NoError(t, json.Unmarshal(readFrame(t, conn, string(session.EventInbox)), &ev))
	require.Len(t, ev.Threads, 1)
	assert.Equal(t, "Bob", ev.Threads[0].Title)
}

func TestServer_FireAndForgetActions(t *testing.T) {
	_, opener, url := startGateway(t, config.GatewayConfig{})
	conn := dial(t, url+"?userId=u1")

	writeAction(t, conn, `{"action":"typing"}`)
	writeAction(t, conn, `{"action":"visibility","visible":false}`)
	writeAction(t, conn, `{"action":"settings","requestId":"r3","settings":{"soundEnabled":false,"inAppNotifications":true,"browserNotifications":true}}`)

	reply := readReply(t, conn)
	assert.Equal(t, "r3", reply.RequestId)
	require.NotNil(t, reply.Settings)
	assert.False(t, reply.Settings.SoundEnabled)
	assert.True(t, reply.Settings.BrowserNotifications)

	opener.sess.mu.Lock()
	defer opener.sess.mu.Unlock()
	assert.Equal(t, 1, opener.sess.typed)
	assert.Equal(t, []bool{false}, opener.sess.visible)
}

func TestServer_ReleasesSessionOnDisconnect(t *testing.T) {
	_, opener, url := startGateway(t, config.GatewayConfig{})
	conn := dial(t, url+"?userId=u1")

	writeAction(t, conn, `{"action":"select","requestId":"r1","threadKey":"u2"}`)
	readReply(t, conn)

	conn.Close(websocket.StatusNormalClosure, "bye")
	assert.Eventually(t, opener.isReleased, 2*time.Second, 10*time.Millisecond)
}

func TestServer_ShutdownClosesConnections(t *testing.T) {
	srv, opener, url := startGateway(t, config.GatewayConfig{})
	conn := dial(t, url+"?userId=u1")

	writeAction(t, conn, `{"action":"select","requestId":"r1","threadKey":"u2"}`)
	readReply(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.True(t, opener.isReleased())
}

func TestHandle_VisibilityRequiresFlag(t *testing.T) {
	c := &client{sess: newFakeSession(), logger: slog.Default()}

	reply := c.handle(context.Background(), Action{Action: ActionVisibility, RequestId: "r1"})
	require.NotNil(t, reply.Error)
	assert.Equal(t, apperrors.CodeInvalidParams, reply.Error.Code)

	reply = c.handle(context.Background(), Action{Action: ActionEdit, MessageId: "m1", Content: "fixed"})
	require.NotNil(t, reply.Message)
	assert.True(t, reply.Message.IsEdited)
}

func TestExtractToken(t *testing.T) {
	assert.Equal(t, "abc", extractToken("Bearer abc"))
	assert.Equal(t, "abc", extractToken("bearer abc"))
	assert.Empty(t, extractToken("Basic abc"))
	assert.Empty(t, extractToken("abc"))
	assert.Empty(t, extractToken(""))
}
