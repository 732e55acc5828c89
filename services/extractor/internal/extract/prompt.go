package extract

import (
	"fmt"
	"strings"
	"time"

	"balungpisah/pkg/domain"
)

// systemPrompt asks for a single JSON object. Category slugs are listed so the
// model does not invent new ones.
func systemPrompt() string {
	return fmt.Sprintf(`Kamu mengekstrak laporan warga terstruktur dari percakapan antara warga (User) dan asisten (Assistant).
Jawab HANYA dengan satu objek JSON tanpa teks lain, dengan bentuk:

{
  "title": "judul singkat masalah, maksimal 100 karakter",
  "description": "uraian masalah dengan kata-kata warga",
  "timeline": "sejak kapan masalah terjadi, kosongkan bila tidak disebut",
  "impact": "dampak bagi warga, kosongkan bila tidak disebut",
  "categories": [{"slug": "salah satu kategori", "severity": "low|medium|high|critical"}],
  "location": {"raw": "lokasi seperti yang disebut warga", "street": "", "village": "", "district": "", "regency": "", "province": ""},
  "confidence": 0.0
}

Kategori yang tersedia: %s.
"confidence" adalah angka 0 sampai 1 yang menyatakan seberapa yakin percakapan ini berisi laporan masalah publik yang lengkap.
Jangan mengarang informasi yang tidak ada di percakapan.`, strings.Join(domain.KnownCategories, ", "))
}

func userPrompt(transcript string, now time.Time) string {
	return fmt.Sprintf("Tanggal hari ini: %s\n\nPercakapan:\n\n%s", now.Format("2006-01-02"), transcript)
}

// Transcript renders the thread as "User: ..." and "Assistant: ..." turns
// separated by blank lines. Messages without text are skipped.
func Transcript(messages []domain.Message) string {
	var turns []string
	for _, msg := range messages {
		text := strings.TrimSpace(msg.PlainText())
		if text == "" {
			continue
		}
		role := "User"
		if msg.Role == domain.RoleAssistantMessage {
			role = "Assistant"
		}
		turns = append(turns, role+": "+text)
	}
	return strings.Join(turns, "\n\n")
}
