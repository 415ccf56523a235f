package sitetest

// Adur returns the Basque surfer used by the end-to-end scenarios: one QS
// event with a Round of 64 heat scoring 11.30 from four waves.
func Adur() Athlete {
	return Athlete{
		ID:        "10158",
		Name:      "Adur Amatriain",
		Country:   "Basque Country",
		Region:    "BAS",
		CountryID: "253",
		Events: []Event{{
			ID:            "4889",
			Name:          "Pantin Classic Galicia Pro",
			Location:      "Pantin, Galicia, Spain",
			TourCode:      "mqs",
			Year:          2025,
			FinalPosition: "=9",
			Points:        "280",
			Heats: []Heat{{
				ID:       "106821",
				Round:    "Round of 64 - Heat 3",
				Date:     "Aug 27, 2025",
				Place:    1,
				Advanced: true,
				Total:    "11.30",
				Waves:    []string{"6.40", "4.90", "3.50", "0.10"},
			}},
		}},
	}
}

// Surfer returns a Spanish surfer with one event and one heat.
func Surfer(id, name, eventID string) Athlete {
	return Athlete{
		ID:        id,
		Name:      name,
		Country:   "Spain",
		Region:    "ESP",
		CountryID: "208",
		Events: []Event{{
			ID:            eventID,
			Name:          "Event " + eventID,
			Location:      "Zarautz, Spain",
			TourCode:      "mqs",
			Year:          2025,
			FinalPosition: "17",
			Points:        "100",
			Heats: []Heat{{
				ID:    "h" + eventID,
				Round: "Round 1",
				Place: 2,
				Total: "8.50",
				Waves: []string{"5.00", "3.50"},
			}},
		}},
	}
}
