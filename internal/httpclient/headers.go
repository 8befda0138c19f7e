package httpclient

import "net/http"

// browserHeaders are the baseline headers the upstream expects from a real
// browser session. Accept-Encoding is set explicitly because the
// fingerprinted transport does not apply transparent decompression; callers
// decode the body via utils.DecompressionReader.
func browserHeaders() map[string]string {
	return map[string]string{
		"User-Agent":         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Accept":             "application/json, text/plain, */*",
		"Accept-Language":    "en-US,en;q=0.9",
		"Accept-Encoding":    "gzip, br",
		"Sec-Ch-Ua":          `"Not_A Brand";v="8", "Chromium";v="120", "Google Chrome";v="120"`,
		"Sec-Ch-Ua-Mobile":   "?0",
		"Sec-Ch-Ua-Platform": `"Windows"`,
		"Sec-Fetch-Dest":     "empty",
		"Sec-Fetch-Mode":     "cors",
		"Sec-Fetch-Site":     "same-origin",
		"Connection":         "keep-alive",
	}
}

// ApplyBrowserHeaders fills in browser-like headers without overriding ones
// the caller already set. Referer and Origin derive from the base URL.
func ApplyBrowserHeaders(req *http.Request, baseURL string) {
	if baseURL != "" {
		if req.Header.Get("Referer") == "" {
			req.Header.Set("Referer", baseURL)
		}
		if req.Header.Get("Origin") == "" {
			req.Header.Set("Origin", baseURL)
		}
	}
	for key, value := range browserHeaders() {
		if req.Header.Get(key) == "" {
			req.Header.Set(key, value)
		}
	}
}
