package filter

import (
	"testing"

	"github.com/DorsetProject/dorset-mailbot/model"
)

func BenchmarkFilter_Check_NoPatterns(b *testing.B) {
	f, err := New(Options{Self: []string{"bot@dorset.test"}})
	if err != nil {
		b.Fatal(err)
	}

	h := model.Handle{From: "asker@example.com", To: []string{"bot@dorset.test"}, Subject: "What is the time?"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Check(h, "What is the time?")
	}
}

func BenchmarkFilter_Check_ExcludePatterns(b *testing.B) {
	f, err := New(Options{
		ExcludeHeader: []string{
			"From:.*noreply@",
			"From:.*mailer-daemon@",
			"Subject:.*(?i)out of office",
		},
		ExcludeBody: []string{"(?i)unsubscribe"},
	})
	if err != nil {
		b.Fatal(err)
	}

	h := model.Handle{From: "asker@example.com", To: []string{"bot@dorset.test"}, Subject: "What is the date?"}
	body := "Hello, could you tell me what the date is today? Thanks."

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Check(h, body)
	}
}
