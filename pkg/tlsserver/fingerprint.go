package tlsserver

import utls "github.com/refraction-networking/utls"

// FingerprintByName maps a uTLS fingerprint name, as carried by a
// subscription URI's fp= query parameter or a client config's fingerprint
// field, to the uTLS ClientHelloID it spoofs. Unrecognized names fall back
// to Chrome, the same default transport/client.go's own pickHelloID uses.
func FingerprintByName(name string) utls.ClientHelloID {
	switch name {
	case "firefox":
		return utls.HelloFirefox_Auto
	case "safari":
		return utls.HelloSafari_Auto
	case "ios":
		return utls.HelloIOS_Auto
	case "android":
		return utls.HelloAndroid_11_OkHttp
	case "edge":
		return utls.HelloEdge_Auto
	case "360", "qq":
		return utls.HelloQQ_Auto
	case "random", "randomized":
		return utls.HelloRandomized
	case "":
		return utls.ClientHelloID{}
	default: // "chrome" or anything else
		return utls.HelloChrome_Auto
	}
}
