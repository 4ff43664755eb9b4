package ApiVersions

type Response struct {
	ErrorCode      int16
	ApiKeys        []ApiKey
	ThrottleTimeMs int32
}

type ApiKey struct {
	ApiKey     int16
	MinVersion int16
	MaxVersion int16
}

// Max returns the highest version the broker supports for the given api key,
// or -1 if the broker does not support the api at all.
func (r *Response) Max(apiKey int16) int16 {
	for _, k := range r.ApiKeys {
		if k.ApiKey == apiKey {
			return k.MaxVersion
		}
	}
	return -1
}
