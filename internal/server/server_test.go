package server

import "testing"

func TestShouldSkipJWT_WebhookPaths(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want bool
	}{
		{path: "/broker/telegram/route-key-1/update", want: true},
		{path: "/broker/whatsapp/route-key-2/update", want: true},
		{path: "/auth/login", want: true},
		{path: "/ping", want: true},
		{path: "/brokers", want: false},
		{path: "/channels/chan-1/messages", want: false},
		{path: "/broker-messages/bm-1/retry", want: false},
	}

	for _, tc := range cases {
		got := shouldSkipJWT(tc.path)
		if got != tc.want {
			t.Fatalf("path=%q want=%v got=%v", tc.path, tc.want, got)
		}
	}
}
