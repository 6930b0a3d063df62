package protocol

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/drpcorg/dds/ddserrors"
)

// AuthTimeLayout is the yyDDDHHMMSS time stamp carried in an AuthHello.
const AuthTimeLayout = "06002150405"

// HashPassword is the form passwords are stored in on the server.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// Authenticator proves knowledge of the password hash for one time stamp.
func Authenticator(user, passwordHash, timestr string) string {
	h := sha256.New()
	h.Write([]byte(user))
	h.Write([]byte{0})
	h.Write([]byte(passwordHash))
	h.Write([]byte{0})
	h.Write([]byte(timestr))
	return hex.EncodeToString(h.Sum(nil))
}

func CheckAuthenticator(user, passwordHash, timestr, auth string) bool {
	want := Authenticator(user, passwordHash, timestr)
	return subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToLower(auth))) == 1
}

type Hello struct {
	User    string
	Version int
}

func (h Hello) Body() []byte {
	return []byte(fmt.Sprintf("%s %d", h.User, h.Version))
}

func ParseHello(body []byte) (Hello, error) {
	f := strings.Fields(string(body))
	if len(f) == 0 {
		return Hello{}, fmt.Errorf("%w: empty hello", ddserrors.ErrBadMessage)
	}
	h := Hello{User: f[0], Version: VersionBasic}
	if len(f) > 1 {
		v, err := strconv.Atoi(f[1])
		if err != nil {
			return Hello{}, fmt.Errorf("%w: hello version %q", ddserrors.ErrBadMessage, f[1])
		}
		h.Version = v
	}
	return h, nil
}

type AuthHello struct {
	User          string
	Time          string
	Authenticator string
	Version       int
}

func NewAuthHello(user, password string, now time.Time, version int) AuthHello {
	ts := now.UTC().Format(AuthTimeLayout)
	return AuthHello{
		User:          user,
		Time:          ts,
		Authenticator: Authenticator(user, HashPassword(password), ts),
		Version:       version,
	}
}

func (a AuthHello) Body() []byte {
	return []byte(fmt.Sprintf("%s %s %s %d", a.User, a.Time, a.Authenticator, a.Version))
}

func ParseAuthHello(body []byte) (AuthHello, error) {
	f := strings.Fields(string(body))
	if len(f) < 3 {
		return AuthHello{}, fmt.Errorf("%w: auth hello has %d fields", ddserrors.ErrBadMessage, len(f))
	}
	a := AuthHello{User: f[0], Time: f[1], Authenticator: f[2], Version: VersionBasic}
	if len(f) > 3 {
		v, err := strconv.Atoi(f[3])
		if err != nil {
			return AuthHello{}, fmt.Errorf("%w: auth hello version %q", ddserrors.ErrBadMessage, f[3])
		}
		a.Version = v
	}
	return a, nil
}

// Stamp parses the AuthHello time.
func (a AuthHello) Stamp() (time.Time, error) {
	return time.Parse(AuthTimeLayout, a.Time)
}
