package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"
	"github.com/vincent-petithory/dataurl"
	"gorm.io/gorm"

	"zapinbox/internal/adapters/evolution"
	"zapinbox/internal/models"
)

// Polling schedules for the pairing artifact. Recreated instances get fixed
// 2s delays; freshly created ones back off linearly.
const (
	recreateQRAttempts = 8
	recreateQRDelay    = 2 * time.Second
	connectQRAttempts  = 5
	deleteSettleDelay  = 2 * time.Second
)

// ErrChannelNotFound is returned by session operations targeting a missing
// channel.
var ErrChannelNotFound = errors.New("channel not found")

// Gateway is the slice of the provider client the session controller needs.
type Gateway interface {
	CreateInstance(ctx context.Context, name string, bearerAuth bool) (*evolution.InstanceResponse, error)
	ConnectInstance(ctx context.Context, name string) (*evolution.ConnectResponse, error)
	ConnectionState(ctx context.Context, name string) (string, error)
	SetWebhook(ctx context.Context, name string) error
	Logout(ctx context.Context, name string) error
	DeleteInstance(ctx context.Context, name string) error
}

// SessionController drives channel provider sessions through their lifecycle:
// create, pair via QR, recover, disconnect, delete. All persisted state
// transitions go through it.
type SessionController struct {
	db           *gorm.DB
	gw           Gateway
	sleep        func(time.Duration)
	qrToTerminal bool
}

// NewSessionController creates a SessionController.
func NewSessionController(conn *gorm.DB, gw Gateway, qrToTerminal bool) *SessionController {
	return &SessionController{
		db:           conn,
		gw:           gw,
		sleep:        time.Sleep,
		qrToTerminal: qrToTerminal,
	}
}

// CreateChannel registers a channel row in disconnected state. The provider
// session is only created on Connect.
func (s *SessionController) CreateChannel(ctx context.Context, userID, channelType, instanceName string) (*models.Channel, error) {
	ch := &models.Channel{
		UserID:       userID,
		ChannelType:  channelType,
		InstanceName: instanceName,
		IsActive:     true,
		State:        models.StateDisconnected(instanceName),
	}
	if err := s.db.WithContext(ctx).Create(ch).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("instance name %q already registered for this user", instanceName)
		}
		return nil, fmt.Errorf("create channel: %w", err)
	}
	log.Info().Str("channelID", ch.ID).Str("instance", instanceName).Msg("Channel created")
	return ch, nil
}

// ListChannels returns a user's channels; all channels when userID is empty.
func (s *SessionController) ListChannels(ctx context.Context, userID string) ([]models.Channel, error) {
	var chans []models.Channel
	q := s.db.WithContext(ctx).Model(&models.Channel{})
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	if err := q.Order("created_at ASC").Find(&chans).Error; err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return chans, nil
}

// GetChannel fetches one channel by id.
func (s *SessionController) GetChannel(ctx context.Context, id string) (*models.Channel, error) {
	var ch models.Channel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&ch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup channel: %w", err)
	}
	return &ch, nil
}

// ActiveInstance returns the instance name of an active, connected channel of
// the given kind. Outbound sends and history syncs route through it.
func (s *SessionController) ActiveInstance(ctx context.Context, channelType string) (string, error) {
	var chans []models.Channel
	if err := s.db.WithContext(ctx).
		Where("channel_type = ? AND is_active = ?", channelType, true).
		Order("created_at ASC").
		Find(&chans).Error; err != nil {
		return "", fmt.Errorf("list channels: %w", err)
	}
	for _, ch := range chans {
		if ch.State.Status == models.StatusConnected {
			return ch.InstanceName, nil
		}
	}
	return "", fmt.Errorf("no connected %s channel available", channelType)
}

// SetActive toggles a channel's active flag.
func (s *SessionController) SetActive(ctx context.Context, id string, active bool) (*models.Channel, error) {
	ch, err := s.GetChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(ch).Update("is_active", active).Error; err != nil {
		return nil, fmt.Errorf("update channel: %w", err)
	}
	ch.IsActive = active
	return ch, nil
}

// Connect drives a channel toward a connected provider session. Outcomes by
// remote state:
//   - session already open: confirm connected, re-register the webhook, done;
//   - session exists but unpaired: fetch a fresh pairing artifact;
//   - no session: create one (retrying once with Bearer auth on 401, and
//     recreating after a settle delay on a name collision), then poll for the
//     QR artifact a bounded number of times.
//
// Exhausted polling is not an error: the channel parks in connecting and the
// provider's connection.update webhook finishes the handshake later.
func (s *SessionController) Connect(ctx context.Context, channelID string) (*models.Channel, error) {
	ch, err := s.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	name := ch.InstanceName

	remote, err := s.gw.ConnectionState(ctx, name)
	if err == nil {
		switch remote {
		case evolution.StateOpen:
			log.Info().Str("instance", name).Msg("Session already open, reattaching")
			if err := s.gw.SetWebhook(ctx, name); err != nil {
				log.Warn().Err(err).Str("instance", name).Msg("Failed to re-register webhook")
			}
			return s.persistStateActive(ctx, ch, models.StateConnected(name, time.Now().UTC()), true)
		case evolution.StateConnecting, evolution.StateClose:
			log.Info().Str("instance", name).Str("state", remote).Msg("Session exists, fetching pairing artifact")
			if qr := s.fetchPairing(ctx, name); qr != "" {
				return s.persistState(ctx, ch, models.StateQRReady(name, qr))
			}
			return s.persistState(ctx, ch, models.StateConnecting(name))
		}
	}

	created, recreated, err := s.createWithRetries(ctx, name)
	if err != nil {
		return nil, err
	}

	if qr := pairingArtifact(created.QRBase64(), created.PairingCode(), s.qrToTerminal); qr != "" {
		return s.persistState(ctx, ch, models.StateQRReady(name, qr))
	}

	// Creation answered without a QR; poll with linear backoff. The recreate
	// path already ran its own fixed-interval polling.
	if !recreated {
		qr := s.pollPairing(ctx, name, connectQRAttempts, func(attempt int) time.Duration {
			return time.Duration(attempt+1) * time.Second
		})
		if qr != "" {
			return s.persistState(ctx, ch, models.StateQRReady(name, qr))
		}
	}

	log.Warn().Str("instance", name).Msg("Pairing artifact never arrived, parking in connecting")
	return s.persistState(ctx, ch, models.StateConnecting(name))
}

// createWithRetries creates the provider session, handling the two documented
// failure shapes: a 401 (retry once with Bearer auth) and a name collision
// (delete the stale remote session, wait for it to settle, recreate, then
// poll on a fixed schedule).
func (s *SessionController) createWithRetries(ctx context.Context, name string) (resp *evolution.InstanceResponse, recreated bool, err error) {
	created, err := s.gw.CreateInstance(ctx, name, false)
	if err == nil {
		return created, false, nil
	}

	var apiErr *evolution.APIError
	if !errors.As(err, &apiErr) {
		return nil, false, err
	}

	if apiErr.IsUnauthorized() {
		log.Warn().Str("instance", name).Msg("Create rejected with 401, retrying with Bearer auth")
		created, err = s.gw.CreateInstance(ctx, name, true)
		if err == nil {
			return created, false, nil
		}
		if !errors.As(err, &apiErr) {
			return nil, false, err
		}
	}

	if !apiErr.IsNameConflict() {
		return nil, false, err
	}

	log.Warn().Str("instance", name).Msg("Instance name taken remotely, deleting and recreating")
	if err := s.gw.DeleteInstance(ctx, name); err != nil {
		return nil, false, fmt.Errorf("delete stale instance %s: %w", name, err)
	}
	s.sleep(deleteSettleDelay)

	created, err = s.gw.CreateInstance(ctx, name, false)
	if err != nil {
		return nil, false, fmt.Errorf("recreate instance %s: %w", name, err)
	}
	if qr := pairingArtifact(created.QRBase64(), created.PairingCode(), s.qrToTerminal); qr == "" {
		if polled := s.pollPairing(ctx, name, recreateQRAttempts, func(int) time.Duration {
			return recreateQRDelay
		}); polled != "" {
			created.Base64 = polled
		}
	}
	return created, true, nil
}

// pollPairing asks for a pairing artifact up to attempts times, sleeping
// delayFn(attempt) before each try. Errors are logged and polling continues.
func (s *SessionController) pollPairing(ctx context.Context, name string, attempts int, delayFn func(attempt int) time.Duration) string {
	for attempt := 0; attempt < attempts; attempt++ {
		s.sleep(delayFn(attempt))
		if qr := s.fetchPairing(ctx, name); qr != "" {
			return qr
		}
	}
	return ""
}

func (s *SessionController) fetchPairing(ctx context.Context, name string) string {
	resp, err := s.gw.ConnectInstance(ctx, name)
	if err != nil {
		log.Warn().Err(err).Str("instance", name).Msg("Pairing artifact fetch failed")
		return ""
	}
	return pairingArtifact(resp.QRBase64(), resp.PairingCode(), s.qrToTerminal)
}

// pairingArtifact normalizes whatever QR material the provider returned into
// a data URL the frontend can render directly. A base64 PNG gets the data-URL
// prefix if missing; a raw pairing code is rendered into a QR image locally.
func pairingArtifact(b64, code string, toTerminal bool) string {
	if b64 != "" {
		if toTerminal && code != "" {
			qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stdout)
		}
		if strings.HasPrefix(b64, "data:image") {
			return b64
		}
		return "data:image/png;base64," + b64
	}
	if code == "" {
		return ""
	}
	if toTerminal {
		qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stdout)
	}
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		log.Error().Err(err).Msg("Failed to render pairing code as QR image")
		return base64.StdEncoding.EncodeToString([]byte(code))
	}
	return dataurl.New(png, "image/png").String()
}

// ConfirmConnected probes the remote state and, when open, persists the
// connected status. Used by the frontend's post-scan confirmation call.
func (s *SessionController) ConfirmConnected(ctx context.Context, channelID string) (*models.Channel, error) {
	ch, err := s.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	remote, err := s.gw.ConnectionState(ctx, ch.InstanceName)
	if err != nil {
		return nil, err
	}
	if remote != evolution.StateOpen {
		return ch, fmt.Errorf("session not open yet (state %q)", remote)
	}
	return s.persistStateActive(ctx, ch, models.StateConnected(ch.InstanceName, time.Now().UTC()), true)
}

// HandleConnectionUpdate applies a provider connection.update event to the
// channel owning the named instance. Unknown instances are ignored.
func (s *SessionController) HandleConnectionUpdate(ctx context.Context, instance, state string) error {
	var ch models.Channel
	err := s.db.WithContext(ctx).Where("instance_name = ?", instance).First(&ch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Debug().Str("instance", instance).Msg("Connection update for unknown instance ignored")
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup channel by instance: %w", err)
	}

	switch state {
	case evolution.StateOpen:
		_, err = s.persistStateActive(ctx, &ch, models.StateConnected(instance, time.Now().UTC()), true)
	case evolution.StateClose:
		_, err = s.persistStateActive(ctx, &ch, models.StateDisconnected(instance), false)
	case evolution.StateConnecting:
		_, err = s.persistState(ctx, &ch, models.StateConnecting(instance))
	default:
		log.Debug().Str("instance", instance).Str("state", state).Msg("Unhandled connection state ignored")
	}
	return err
}

// SimulateConnected forces a channel into connected state without touching
// the provider. Development aid for frontends built against a stub gateway.
func (s *SessionController) SimulateConnected(ctx context.Context, channelID string) (*models.Channel, error) {
	ch, err := s.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	return s.persistStateActive(ctx, ch, models.StateConnected(ch.InstanceName, time.Now().UTC()), true)
}

// Disconnect logs the provider session out. The disconnected state is only
// persisted on success; a failed logout surfaces so the operator can retry.
func (s *SessionController) Disconnect(ctx context.Context, channelID string) (*models.Channel, error) {
	ch, err := s.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if err := s.gw.Logout(ctx, ch.InstanceName); err != nil {
		return nil, fmt.Errorf("logout instance: %w", err)
	}
	return s.persistStateActive(ctx, ch, models.StateDisconnected(ch.InstanceName), false)
}

// DeleteChannel removes the channel row. The remote session delete is best
// effort: a provider failure is logged, not surfaced, so stale rows can
// always be cleaned up.
func (s *SessionController) DeleteChannel(ctx context.Context, channelID string) error {
	ch, err := s.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if err := s.gw.DeleteInstance(ctx, ch.InstanceName); err != nil {
		log.Warn().Err(err).Str("instance", ch.InstanceName).Msg("Remote instance delete failed, removing channel anyway")
	}
	if err := s.db.WithContext(ctx).Delete(&models.Channel{}, "id = ?", ch.ID).Error; err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	log.Info().Str("channelID", ch.ID).Str("instance", ch.InstanceName).Msg("Channel deleted")
	return nil
}

func (s *SessionController) persistState(ctx context.Context, ch *models.Channel, state models.ConnectionState) (*models.Channel, error) {
	if err := s.db.WithContext(ctx).Model(ch).Update("state", state).Error; err != nil {
		return nil, fmt.Errorf("persist channel state: %w", err)
	}
	ch.State = state
	return ch, nil
}

// persistStateActive is persistState for the transitions that also flip the
// channel's active flag: connected turns it on, disconnected turns it off.
func (s *SessionController) persistStateActive(ctx context.Context, ch *models.Channel, state models.ConnectionState, active bool) (*models.Channel, error) {
	if err := s.db.WithContext(ctx).Model(ch).Updates(map[string]interface{}{
		"state":     state,
		"is_active": active,
	}).Error; err != nil {
		return nil, fmt.Errorf("persist channel state: %w", err)
	}
	ch.State = state
	ch.IsActive = active
	return ch, nil
}
