package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func noopLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func sampleEvent() AlertEvent {
	prev := decimal.NewFromInt(100)
	return AlertEvent{
		ProductID:     "p1",
		ProductName:   "usb c hub",
		Kind:          KindPriceDrop,
		CurrentPrice:  decimal.NewFromInt(80),
		PreviousPrice: &prev,
		TargetPrice:   decimal.NewFromInt(75),
		Savings:       decimal.NewFromInt(20),
		DedupKey:      NewDedupKey("p1", KindPriceDrop),
		EmittedAt:     time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestTelegramNotify(t *testing.T) {
	var received map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	}))
	defer srv.Close()

	n := NewTelegramNotifier("token", "chat123", srv.URL, time.Second, noopLogger())
	if err := n.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat123" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if received["text"] == "" {
		t.Fatalf("text 应非空")
	}
	if !strings.Contains(received["text"], "usb c hub") {
		t.Fatalf("消息应包含产品名称: %s", received["text"])
	}
}

func TestTelegramNotifyNotOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": false})
	}))
	defer srv.Close()

	n := NewTelegramNotifier("token", "chat123", srv.URL, time.Second, noopLogger())
	if err := n.Notify(context.Background(), sampleEvent()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestSlackNotify(t *testing.T) {
	var received map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL, "#deals", "Deal Radar", ":tada:", time.Second, noopLogger())
	if err := n.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Slack Notify 应成功: %v", err)
	}

	if received["channel"] != "#deals" {
		t.Fatalf("channel 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "Price Drop") {
		t.Fatalf("消息应包含告警类型: %s", received["text"])
	}
}

func TestSlackNotifyHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL, "", "", "", time.Second, noopLogger())
	if err := n.Notify(context.Background(), sampleEvent()); err == nil {
		t.Fatal("HTTP 400 应报错")
	}
}

type recordingNotifier struct {
	calls int
	err   error
}

func (r *recordingNotifier) Notify(_ context.Context, _ AlertEvent) error {
	r.calls++
	return r.err
}

func TestMultiNotifyBestEffort(t *testing.T) {
	ok := &recordingNotifier{}
	failing := &recordingNotifier{err: errors.New("boom")}
	tail := &recordingNotifier{}

	m := NewMulti(noopLogger(), ok, failing, tail)
	err := m.Notify(context.Background(), sampleEvent())
	if err == nil {
		t.Fatal("存在失败渠道时应返回错误")
	}
	if ok.calls != 1 || failing.calls != 1 || tail.calls != 1 {
		t.Fatalf("所有渠道都应被调用: %d/%d/%d", ok.calls, failing.calls, tail.calls)
	}
}

func TestRenderMessageDealScore(t *testing.T) {
	event := sampleEvent()
	event.Kind = KindDealDetected
	event.Score = 0.83

	text := renderMessage(event)
	if !strings.Contains(text, "Score: 0.83") {
		t.Fatalf("deal 告警应包含分数: %s", text)
	}
}
