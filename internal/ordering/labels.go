package ordering

import (
	"time"

	"golang.org/x/text/language"
)

var supportedLanguages = []language.Tag{language.French, language.English}

var languageMatcher = language.NewMatcher(supportedLanguages)

// statusLabels maps every enum value to its display string per language.
var statusLabels = map[language.Tag]map[string]string{
	language.French: {
		"period." + string(PeriodStatusOpen):        "Ouverte",
		"period." + string(PeriodStatusOrdered):     "Commandée",
		"period." + string(PeriodStatusWaiting):     "En attente de livraison",
		"period." + string(PeriodStatusClosed):      "Clôturée",
		"period." + string(PeriodStatusArchived):    "Archivée",
		"request." + string(RequestStatusDraft):     "En attente",
		"request." + string(RequestStatusSubmitted): "Envoyée",
		"request." + string(RequestStatusValidated): "Commandée",
		"request." + string(RequestStatusWaiting):   "Livraison partielle",
		"request." + string(RequestStatusReceived):  "Reçue",
		"request." + string(RequestStatusCancelled): "Annulée",
		"reception." + string(ReceptionTotal):       "Reçu en totalité",
		"reception." + string(ReceptionPartial):     "Reçu partiellement",
		"reception." + string(ReceptionNone):        "Non reçu",
	},
	language.English: {
		"period." + string(PeriodStatusOpen):        "Open",
		"period." + string(PeriodStatusOrdered):     "Ordered",
		"period." + string(PeriodStatusWaiting):     "Awaiting delivery",
		"period." + string(PeriodStatusClosed):      "Closed",
		"period." + string(PeriodStatusArchived):    "Archived",
		"request." + string(RequestStatusDraft):     "Pending",
		"request." + string(RequestStatusSubmitted): "Sent",
		"request." + string(RequestStatusValidated): "Ordered",
		"request." + string(RequestStatusWaiting):   "Partially delivered",
		"request." + string(RequestStatusReceived):  "Received",
		"request." + string(RequestStatusCancelled): "Cancelled",
		"reception." + string(ReceptionTotal):       "Fully received",
		"reception." + string(ReceptionPartial):     "Partially received",
		"reception." + string(ReceptionNone):        "Not received",
	},
}

var monthAbbreviations = map[language.Tag][12]string{
	language.French:  {"janv", "févr", "mars", "avr", "mai", "juin", "juil", "août", "sept", "oct", "nov", "déc"},
	language.English: {"Jan", "Feb", "Mar", "Apr", "May", "Jun", "Jul", "Aug", "Sep", "Oct", "Nov", "Dec"},
}

// Labels renders enum values for one language.
type Labels struct {
	tag language.Tag
}

// NewLabels picks the closest supported language, French by default.
func NewLabels(preferred ...string) Labels {
	return Labels{tag: MatchLanguage(preferred...)}
}

// MatchLanguage resolves Accept-Language style values to a supported tag.
func MatchLanguage(preferred ...string) language.Tag {
	tag, _ := language.MatchStrings(languageMatcher, preferred...)
	base, _ := tag.Base()
	for _, supported := range supportedLanguages {
		if sb, _ := supported.Base(); sb == base {
			return supported
		}
	}
	return language.French
}

// Tag returns the resolved language.
func (l Labels) Tag() language.Tag {
	if l.tag == language.Und {
		return language.French
	}
	return l.tag
}

// Period returns the display label of a period status.
func (l Labels) Period(s PeriodStatus) string {
	return l.lookup("period." + string(s))
}

// Request returns the display label of a request status.
func (l Labels) Request(s RequestStatus) string {
	return l.lookup("request." + string(s))
}

// Reception returns the display label of a reception status.
func (l Labels) Reception(s ReceptionStatus) string {
	return l.lookup("reception." + string(s))
}

// Month returns the abbreviated month name.
func (l Labels) Month(m time.Month) string {
	return monthAbbreviations[l.Tag()][m-1]
}

func (l Labels) lookup(key string) string {
	if label, ok := statusLabels[l.Tag()][key]; ok {
		return label
	}
	return key
}
