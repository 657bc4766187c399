package transport

import (
	"context"
	"unicode/utf8"

	"github.com/bleapdu/transport/apdu"
)

// canonicalLauncherName is the device's app-management launcher, referred to
// by the device firmware as "BOLOS".
const canonicalLauncherName = "BOLOS"

// AppInfo is the parsed response of GetAppAndVersion.
type AppInfo struct {
	Name    string
	Version string
}

// GetAppAndVersion sends the fixed app-and-version query APDU and parses its
// response body: byte 0 format version, byte 1 name length, name bytes,
// next byte version length, version bytes.
func (t *Transport) GetAppAndVersion(ctx context.Context) (AppInfo, error) {
	resp, err := t.Exchange(ctx, apdu.New([]byte{0xB0, 0x01, 0x00, 0x00}))
	if err != nil {
		return AppInfo{}, err
	}
	word, ok := apdu.StatusWord(resp)
	sw := ClassifyStatusWord(word, ok)
	if sw.Kind != StatusSuccess {
		return AppInfo{}, statusWordToError(sw)
	}
	return parseAppInfo(apdu.Body(resp))
}

func parseAppInfo(body []byte) (AppInfo, error) {
	if len(body) < 2 {
		return AppInfo{}, ErrFormatNotSupported("app info body too short")
	}
	nameLen := int(body[1])
	if len(body) < 2+nameLen+1 {
		return AppInfo{}, ErrFormatNotSupported("app info body truncated before version length")
	}
	nameBytes := body[2 : 2+nameLen]
	if !utf8.Valid(nameBytes) {
		return AppInfo{}, ErrCouldNotParseResponse("app name is not valid utf-8")
	}
	versionLenOffset := 2 + nameLen
	versionLen := int(body[versionLenOffset])
	versionStart := versionLenOffset + 1
	if len(body) < versionStart+versionLen {
		return AppInfo{}, ErrFormatNotSupported("app info body truncated before version bytes")
	}
	versionBytes := body[versionStart : versionStart+versionLen]
	if !utf8.Valid(versionBytes) {
		return AppInfo{}, ErrCouldNotParseResponse("app version is not valid utf-8")
	}
	return AppInfo{Name: string(nameBytes), Version: string(versionBytes)}, nil
}

// OpenAppIfNeeded ensures the named app is the one running on the device,
// closing the current app first if necessary.
func (t *Transport) OpenAppIfNeeded(ctx context.Context, name string) error {
	for {
		info, err := t.GetAppAndVersion(ctx)
		if err != nil {
			return err
		}
		if info.Name == name {
			return nil
		}
		if info.Name != canonicalLauncherName {
			if err := t.closeApp(ctx); err != nil {
				return err
			}
			continue
		}
		return t.openApp(ctx, name)
	}
}

func (t *Transport) closeApp(ctx context.Context) error {
	resp, err := t.Exchange(ctx, apdu.New([]byte{0xB0, 0xA7, 0x00, 0x00}))
	if err != nil {
		return err
	}
	word, ok := apdu.StatusWord(resp)
	sw := ClassifyStatusWord(word, ok)
	if sw.Kind != StatusSuccess {
		return statusWordToError(sw)
	}
	return nil
}

func (t *Transport) openApp(ctx context.Context, name string) error {
	payload := make([]byte, 0, 5+len(name))
	payload = append(payload, 0xE0, 0xD8, 0x00, 0x00, byte(len(name)))
	payload = append(payload, name...)

	resp, err := t.Exchange(ctx, apdu.New(payload))
	if err != nil {
		return err
	}
	word, ok := apdu.StatusWord(resp)
	sw := ClassifyStatusWord(word, ok)
	if sw.Kind == StatusUserRejected {
		return ErrUserRefusedOnDevice()
	}
	if sw.Kind != StatusSuccess {
		return statusWordToError(sw)
	}
	return nil
}

func statusWordToError(sw StatusWord) error {
	switch sw.Kind {
	case StatusUserRejected:
		return ErrUserRefusedOnDevice()
	default:
		return newErr("BleStatusError", sw.String(), nil)
	}
}
