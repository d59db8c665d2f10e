package cache

import "strings"

// keyToURI drops the loader scheme from an image key:
// "wadouri:http://host/frame/1" -> "http://host/frame/1".
// Keys without a scheme are returned unchanged.
func keyToURI(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[i+1:]
	}
	return key
}

// matchesURI reports whether a stored key refers to uri.
func matchesURI(stored, uri string) bool {
	return strings.Contains(stored, uri)
}
