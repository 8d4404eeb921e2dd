package authcore

import "context"

/*
====================================
DEVICE SESSIONS
====================================
*/

// Sessions lists the user's admitted devices, oldest first. currentDeviceID
// marks which entry the caller is on; pass empty if unknown.
func (e *Engine) Sessions(ctx context.Context, userID, currentDeviceID string) ([]Session, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}

	infos, err := e.devices.List(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make([]Session, 0, len(infos))
	for _, info := range infos {
		out = append(out, Session{
			DeviceID:   info.DeviceID,
			Name:       info.Name,
			IP:         info.IP,
			UserAgent:  info.UserAgent,
			Trusted:    info.Trusted,
			CreatedAt:  info.CreatedAt,
			LastUsedAt: info.LastUsedAt,
			Current:    currentDeviceID != "" && info.DeviceID == currentDeviceID,
		})
	}
	return out, nil
}

// RemoveDevice revokes one device session: its refresh token is blacklisted
// and the session row deleted.
func (e *Engine) RemoveDevice(ctx context.Context, userID, deviceID string) error {
	if err := e.checkReady(); err != nil {
		return err
	}

	jti, err := e.devices.Remove(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	if jti != "" {
		if _, err := e.tokens.RevokeIfActive(ctx, jti); err != nil {
			return err
		}
	}

	e.metricInc(MetricDeviceEvicted)
	e.emitEvent(ctx, EventDeviceRemoved, true, userID, "", deviceID, nil, func() map[string]string {
		return map[string]string{"reason": "user_revoked"}
	})
	return nil
}

// RemoveAllDevicesExcept is "log out all other devices": every session but
// keepDeviceID is revoked.
func (e *Engine) RemoveAllDevicesExcept(ctx context.Context, userID, keepDeviceID string) error {
	if err := e.checkReady(); err != nil {
		return err
	}

	infos, err := e.devices.List(ctx, userID)
	if err != nil {
		return err
	}

	for _, info := range infos {
		if info.DeviceID == keepDeviceID {
			continue
		}
		if err := e.RemoveDevice(ctx, userID, info.DeviceID); err != nil {
			return err
		}
	}
	return nil
}

// TrustDevice flags a device as trusted. The flag is informational, carried
// on session listings and the security report.
func (e *Engine) TrustDevice(ctx context.Context, userID, deviceID string, trusted bool) error {
	if err := e.checkReady(); err != nil {
		return err
	}

	return e.devices.SetTrusted(ctx, userID, deviceID, trusted)
}
