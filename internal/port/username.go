package port

import "strings"

// Username returns USERNAME for outgoing check from local agent to remote.
func Username(remoteUfrag, localUfrag string, p ICEProtocol) string {
	if p == Legacy {
		return remoteUfrag + localUfrag
	}
	return remoteUfrag + ":" + localUfrag
}

// ParseUsername splits USERNAME of incoming check into local and remote
// ufrag. In legacy mode the local part length is localUfragLen.
func ParseUsername(username string, localUfragLen int, p ICEProtocol) (local, remote string, ok bool) {
	if p == Legacy {
		if len(username) < localUfragLen {
			return "", "", false
		}
		return username[:localUfragLen], username[localUfragLen:], true
	}
	i := strings.IndexByte(username, ':')
	if i < 0 {
		return "", "", false
	}
	return username[:i], username[i+1:], true
}
