package notify

import (
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

var fixed = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func newDecoder(t *testing.T) *Decoder {
	t.Helper()
	d, err := NewDecoder()
	if err != nil {
		t.Fatal(err)
	}
	d.now = func() time.Time { return fixed }
	return d
}

func envelope(data string) []byte {
	return []byte(fmt.Sprintf(`{
		"message": {
			"data": %q,
			"messageId": "2070443601311540",
			"publishTime": "2026-05-01T09:59:58.123Z",
			"attributes": {}
		},
		"subscription": "projects/p/subscriptions/mail-push"
	}`, data))
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestDecode(t *testing.T) {
	d := newDecoder(t)
	want := &Notification{
		Account:      "user@example.com",
		Cursor:       9876543210,
		ReceivedAt:   fixed,
		DeliveryID:   "2070443601311540",
		PublishTime:  time.Date(2026, 5, 1, 9, 59, 58, 123000000, time.UTC),
		Subscription: "projects/p/subscriptions/mail-push",
	}
	for _, payload := range []string{
		`{"emailAddress":"user@example.com","historyId":"9876543210"}`,
		`{"emailAddress":"user@example.com","historyId":9876543210}`,
	} {
		got, err := d.Decode(envelope(b64(payload)))
		if err != nil {
			t.Fatalf("Decode(%s) = %v", payload, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Decode(%s) mismatch (-want +got):\n%s", payload, diff)
		}
	}
}

func TestDecodeURLSafeData(t *testing.T) {
	d := newDecoder(t)
	// Chosen so the standard and URL alphabets differ.
	payload := `{"emailAddress":"a~~~@example.com","historyId":"7"}`
	got, err := d.Decode(envelope(base64.URLEncoding.EncodeToString([]byte(payload))))
	if err != nil {
		t.Fatal(err)
	}
	if got.Account != "a~~~@example.com" || got.Cursor != 7 {
		t.Errorf("Decode() = %+v", got)
	}
}

func TestDecodeRejects(t *testing.T) {
	d := newDecoder(t)
	cases := map[string][]byte{
		"not json":          []byte(`{"message":`),
		"no message":        []byte(`{"subscription":"s"}`),
		"no subscription":   []byte(`{"message":{"data":"e30=","messageId":"1"}}`),
		"no data":           []byte(`{"message":{"messageId":"1"},"subscription":"s"}`),
		"data not string":   []byte(`{"message":{"data":7,"messageId":"1"},"subscription":"s"}`),
		"bad base64":        envelope("!!!not-base64!!!"),
		"payload not json":  envelope(b64("hello")),
		"no email":          envelope(b64(`{"historyId":"5"}`)),
		"no history":        envelope(b64(`{"emailAddress":"a@example.com"}`)),
		"history not digit": envelope(b64(`{"emailAddress":"a@example.com","historyId":"abc"}`)),
		"history negative":  envelope(b64(`{"emailAddress":"a@example.com","historyId":-4}`)),
		"history zero":      envelope(b64(`{"emailAddress":"a@example.com","historyId":"0"}`)),
		"bad publish time": []byte(fmt.Sprintf(`{"message":{"data":%q,"messageId":"1","publishTime":"yesterday"},"subscription":"s"}`,
			b64(`{"emailAddress":"a@example.com","historyId":"5"}`))),
	}
	for name, raw := range cases {
		if _, err := d.Decode(raw); !errors.Is(err, ErrDecode) {
			t.Errorf("%s: Decode() = %v, want ErrDecode", name, err)
		}
	}
}

func TestDecodeMessageWithoutPublishTime(t *testing.T) {
	d := newDecoder(t)
	n, err := d.DecodeMessage(Message{
		Data:      b64(`{"emailAddress":"a@example.com","historyId":"12"}`),
		MessageID: "m-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !n.PublishTime.IsZero() || n.Cursor != 12 || n.DeliveryID != "m-1" {
		t.Errorf("DecodeMessage() = %+v", n)
	}
}
