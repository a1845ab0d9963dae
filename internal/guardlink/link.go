package guardlink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"GuardDispatch/internal/dispatch"
	"GuardDispatch/internal/models"
	"GuardDispatch/pkg/config"
	apperrors "GuardDispatch/pkg/errors"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

const (
	ActionConfirm = "confirm"
	ActionCancel  = "cancel"

	qos            = 1
	publishTimeout = 5 * time.Second
	handleTimeout  = 15 * time.Second
)

// Response 警卫终端的应答
type Response struct {
	InterventionID uint   `json:"interventionId"`
	Action         string `json:"action"`
}

// Responder the coordinator operations a guard device may drive.
type Responder interface {
	Confirm(ctx context.Context, interventionID uint) (*dispatch.Result, error)
	Cancel(ctx context.Context, interventionID uint, origin dispatch.CancelOrigin) (*dispatch.Result, error)
	ActiveLocation(ctx context.Context, guardID uint) (*models.Intervention, *models.Report, error)
}

// Link MQTT 桥接：下发派单/警告，接收警卫应答
type Link struct {
	client mqtt.Client
	prefix string
	lg     *zap.Logger
	// Start 写入，paho 的回调 goroutine 读取
	resp atomic.Pointer[Responder]
}

// Dial connects to the broker.
func Dial(cfg config.MQTTConfig, lg *zap.Logger) (*Link, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(10 * time.Second)

	link := newLink(nil, cfg.TopicPrefix, lg)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		link.lg.Warn("mqtt connection lost", zap.Error(err))
	})
	// 重连后重新订阅
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		if link.responder() != nil {
			if err := link.subscribe(); err != nil {
				link.lg.Error("mqtt resubscribe failed", zap.Error(err))
			}
		}
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	link.client = client
	link.lg.Info("mqtt connected", zap.String("broker", cfg.Broker), zap.String("prefix", link.prefix))
	return link, nil
}

func newLink(client mqtt.Client, prefix string, lg *zap.Logger) *Link {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Link{client: client, prefix: strings.Trim(prefix, "/"), lg: lg.Named("guardlink")}
}

// Start subscribes to guard responses and feeds them to r.
func (l *Link) Start(r Responder) error {
	l.setResponder(r)
	return l.subscribe()
}

func (l *Link) setResponder(r Responder) {
	l.resp.Store(&r)
}

func (l *Link) responder() Responder {
	if p := l.resp.Load(); p != nil {
		return *p
	}
	return nil
}

func (l *Link) subscribe() error {
	topic := l.prefix + "/guards/+/response"
	token := l.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		if err := l.handle(msg.Topic(), msg.Payload()); err != nil {
			l.lg.Warn("guard response rejected", zap.String("topic", msg.Topic()), zap.Error(err))
		}
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}
	return nil
}

// NotifyGuard publishes to <prefix>/guards/<id>/<kind>. It does not wait for
// the broker.
func (l *Link) NotifyGuard(guardID uint, kind string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		l.lg.Error("encode guard notification", zap.Error(err))
		return
	}
	topic := l.Topic(guardID, kind)
	token := l.client.Publish(topic, qos, false, data)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			l.lg.Warn("mqtt publish timed out", zap.String("topic", topic))
			return
		}
		if err := token.Error(); err != nil {
			l.lg.Warn("mqtt publish failed", zap.String("topic", topic), zap.Error(err))
		}
	}()
}

func (l *Link) Topic(guardID uint, kind string) string {
	return fmt.Sprintf("%s/guards/%d/%s", l.prefix, guardID, kind)
}

// handle applies one response. A guard may only answer for its own active
// intervention; anything else is dropped.
func (l *Link) handle(topic string, payload []byte) error {
	guardID, resp, err := ParseResponse(l.prefix, topic, payload)
	if err != nil {
		return err
	}
	r := l.responder()
	if r == nil {
		return fmt.Errorf("guard link not started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	iv, _, err := r.ActiveLocation(ctx, guardID)
	switch {
	case apperrors.Is(err, apperrors.ErrNotFound):
		l.lg.Debug("late guard response ignored", zap.Uint("guard_id", guardID), zap.Uint("intervention_id", resp.InterventionID))
		return nil
	case err != nil:
		return err
	case iv.ID != resp.InterventionID:
		return apperrors.Conflictf("guard %d answered intervention %d but is assigned %d", guardID, resp.InterventionID, iv.ID)
	}

	var res *dispatch.Result
	switch resp.Action {
	case ActionConfirm:
		res, err = r.Confirm(ctx, resp.InterventionID)
	case ActionCancel:
		res, err = r.Cancel(ctx, resp.InterventionID, dispatch.OriginGuard)
	}
	if err != nil {
		return err
	}
	l.lg.Info("guard response",
		zap.Uint("guard_id", guardID),
		zap.Uint("intervention_id", resp.InterventionID),
		zap.String("action", resp.Action),
		zap.Bool("applied", res.Applied))
	return nil
}

// ParseResponse validates a <prefix>/guards/<id>/response message.
func ParseResponse(prefix, topic string, payload []byte) (uint, Response, error) {
	var resp Response
	parts := strings.Split(strings.TrimPrefix(topic, strings.Trim(prefix, "/")+"/"), "/")
	if len(parts) != 3 || parts[0] != "guards" || parts[2] != "response" {
		return 0, resp, apperrors.Wrapf(apperrors.ErrInvalid, "unexpected topic %q", topic)
	}
	guardID, err := cast.ToUintE(parts[1])
	if err != nil || guardID == 0 {
		return 0, resp, apperrors.Wrapf(apperrors.ErrInvalid, "bad guard id in topic %q", topic)
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return 0, resp, apperrors.Wrap(apperrors.ErrInvalid, "decode guard response")
	}
	resp.Action = strings.ToLower(strings.TrimSpace(resp.Action))
	if resp.InterventionID == 0 {
		return 0, resp, apperrors.Wrap(apperrors.ErrInvalid, "missing interventionId")
	}
	if resp.Action != ActionConfirm && resp.Action != ActionCancel {
		return 0, resp, apperrors.Wrapf(apperrors.ErrInvalid, "unknown action %q", resp.Action)
	}
	return guardID, resp, nil
}

// Close 断开连接
func (l *Link) Close() {
	if l.client != nil && l.client.IsConnected() {
		l.client.Disconnect(250)
	}
}
