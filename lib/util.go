package lib

import "encoding/json"

// Prettystats uses json.MarshalIndent, if pretty is true, instead of
// json.Marshal. Keys are sorted. If Marshal return error Prettystats
// will panic, stats are expected to hold only numbers, strings and
// nested maps of them.
func Prettystats(stats map[string]interface{}, pretty bool) string {
	var data []byte
	var err error
	if pretty {
		data, err = json.MarshalIndent(stats, "", "  ")
	} else {
		data, err = json.Marshal(stats)
	}
	if err != nil {
		panic(err)
	}
	return string(data)
}
