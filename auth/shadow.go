package auth

import (
	"io/ioutil"
	"runtime"
	"strings"

	passlib "gopkg.in/hlandau/passlib.v1"
)

// VerifySystemPass verifies a password against the system shadow
// database, the way login itself would. Auxiliary fields for expiry
// policy are not inspected.
func VerifySystemPass(username, password string) (bool, error) {
	data, err := ioutil.ReadFile(shadowFilePath()) // nolint: gosec
	if err != nil {
		return false, err
	}
	return verifyAgainstShadow(data, username, password)
}

func shadowFilePath() string {
	if runtime.GOOS == "freebsd" {
		return "/etc/master.passwd"
	}
	return "/etc/shadow"
}

func verifyAgainstShadow(data []byte, username, password string) (bool, error) {
	passlib.UseDefaults(passlib.Defaults20180601)
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Split(line, ":")
		if len(fields) < 2 || fields[0] != username {
			continue
		}
		hash := fields[1]
		if hash == "" || hash == "*" || strings.HasPrefix(hash, "!") {
			return false, nil // locked or passwordless account
		}
		if err := passlib.VerifyNoUpgrade(password, hash); err != nil {
			return false, nil
		}
		return true, nil
	}
	return false, ErrUserNotFound
}
