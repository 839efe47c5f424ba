package remote

// Voice is one voice offered by the remote service.
type Voice struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Gender      string `json:"gender"`
	Region      string `json:"region"`
}

const DefaultVoice = "banmai"

var voices = []Voice{
	{ID: "banmai", DisplayName: "Ban Mai", Gender: "female", Region: "north"},
	{ID: "thuminh", DisplayName: "Thu Minh", Gender: "female", Region: "north"},
	{ID: "leminh", DisplayName: "Lê Minh", Gender: "male", Region: "north"},
	{ID: "giahuy", DisplayName: "Gia Huy", Gender: "male", Region: "central"},
	{ID: "lannhi", DisplayName: "Lan Nhi", Gender: "female", Region: "south"},
	{ID: "linhsan", DisplayName: "Linh San", Gender: "female", Region: "south"},
	{ID: "minhquang", DisplayName: "Minh Quang", Gender: "male", Region: "south"},
	{ID: "myan", DisplayName: "Mỹ An", Gender: "female", Region: "central"},
	{ID: "ngoclam", DisplayName: "Ngọc Lam", Gender: "female", Region: "central"},
}

// Voices returns the voice catalogue.
func Voices() []Voice {
	out := make([]Voice, len(voices))
	copy(out, voices)
	return out
}

func FindVoice(id string) (Voice, bool) {
	for _, v := range voices {
		if v.ID == id {
			return v, true
		}
	}
	return Voice{}, false
}
