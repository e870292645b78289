// Package msio has file system helpers for the mail store: unique exclusive
// temp files, umask handling and directory syncing.
package msio

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	mathrand "math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/varmail/mstore/mlog"
)

var xlog = mlog.New("msio")

// NewRand returns a new PRNG seeded with random bytes from crypto/rand.
func NewRand() *mathrand.Rand {
	return mathrand.New(mathrand.NewSource(CryptoRandInt()))
}

// CryptoRandInt returns a cryptographically random number.
func CryptoRandInt() int64 {
	buf := make([]byte, 8)
	_, err := cryptorand.Read(buf)
	if err != nil {
		panic(fmt.Errorf("reading random bytes: %v", err))
	}
	return int64(binary.LittleEndian.Uint64(buf))
}

// Shared across all open mailboxes, so access needs the mutex.
var (
	tmpRandMutex sync.Mutex
	tmpRand      = NewRand()
)

func tmpRandUint64() uint64 {
	tmpRandMutex.Lock()
	defer tmpRandMutex.Unlock()
	return tmpRand.Uint64()
}

var shortHostname = func() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "localhost"
	}
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	return host
}()

// UniqueName returns a filename component unlikely to collide with other
// processes delivering to the same directory: short hostname, pid, wall-clock
// seconds and a 64-bit nonce, joined by dots.
func UniqueName() string {
	return fmt.Sprintf("%s.%d.%d.%x", shortHostname, os.Getpid(), time.Now().Unix(), tmpRandUint64())
}

// DirUmask derives a umask from the permissions of dir, so files created
// inside get matching permissions. E.g. a 0700 maildir yields umask 0077.
func DirUmask(dir string) (int, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return 0, fmt.Errorf("stat for umask: %w", err)
	}
	return 0777 &^ int(fi.Mode().Perm()), nil
}

// CreateExclusive creates a new uniquely named file in dir with
// open-exclusive-create, applying mask as umask for the duration of the call.
// On a name collision a fresh nonce is drawn and the create is retried.
// The caller is responsible for closing and possibly removing the file.
func CreateExclusive(dir string, mask int) (*os.File, error) {
	restore := applyUmask(mask)
	defer restore()

	for {
		p := dir + string(os.PathSeparator) + UniqueName()
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0666)
		if err == nil {
			return f, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("creating unique file in %s: %w", dir, err)
		}
	}
}
