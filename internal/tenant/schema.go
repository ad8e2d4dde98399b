// Package tenant describes the CRM tenant the bot is bound to: custom field
// identifiers, the pickup-point pipelines and their stage ids.
//
// A Schema is never mutated after construction. Reload produces a new value.
package tenant

import (
	"fmt"
	"strings"
)

type Stages struct {
	Arrived        string `json:"arrived"`
	AwaitingPickup string `json:"awaiting_pickup"`
	Archive        string `json:"archive"`
	Issued         string `json:"issued"`
}

// Pipeline is one physical pickup point and its CRM deal category.
type Pipeline struct {
	Name             string `json:"name"`
	CategoryID       int64  `json:"category_id"`
	PickupCode       string `json:"pickup_code"`
	PickupFieldValue string `json:"pickup_field_value"`
	Location         string `json:"location"`
	Stages           Stages `json:"stages"`
}

type DealFields struct {
	TrackNumber string `json:"track_number"`
	PickupPoint string `json:"pickup_point"`
	ChatID      string `json:"chat_id"`
	IsFinal     string `json:"is_final"`
	Weight      string `json:"weight"`
	Amount      string `json:"amount"`
	OrderCount  string `json:"order_count"`
	TrackList   string `json:"track_list"`
}

type ContactFields struct {
	LiveWeight     string `json:"live_weight"`
	LiveAmount     string `json:"live_amount"`
	LiveOrderCount string `json:"live_order_count"`
	TotalWeight    string `json:"total_weight"`
	TotalAmount    string `json:"total_amount"`
	NameTranslit   string `json:"name_translit"`
	City           string `json:"city"`
	PersonalCode   string `json:"personal_code"`
}

type OrderIntake struct {
	CategoryID       int64    `json:"category_id"`
	HubArrivedStages []string `json:"hub_arrived_stages"`
}

type FollowUp struct {
	DeadlineDays  int    `json:"deadline_days"`
	ResponsibleID int64  `json:"responsible_id"`
	TitleFormat   string `json:"title_format"`
}

type Schema struct {
	DealFields       DealFields    `json:"deal_fields"`
	ContactFields    ContactFields `json:"contact_fields"`
	OrderIntake      OrderIntake   `json:"order_intake"`
	Pipelines        []Pipeline    `json:"pipelines"`
	FollowUp         FollowUp      `json:"follow_up"`
	FinalTitlePrefix string        `json:"final_title_prefix"`
}

// Source yields the schema to use for one unit of work.
type Source interface {
	Current() *Schema
}

// Current makes a fixed *Schema usable as a Source.
func (s *Schema) Current() *Schema {
	return s
}

// Default returns the production tenant.
func Default() *Schema {
	return &Schema{
		DealFields: DealFields{
			TrackNumber: "UF_CRM_1723542556619",
			PickupPoint: "UF_CRM_1723542922949",
			ChatID:      "UF_CRM_1725179625",
			IsFinal:     "UF_CRM_1729539412",
			Weight:      "UF_CRM_1727870320443",
			Amount:      "OPPORTUNITY",
			OrderCount:  "UF_CRM_1730185262",
			TrackList:   "UF_CRM_1729115312",
		},
		ContactFields: ContactFields{
			LiveWeight:     "UF_CRM_1726207792191",
			LiveAmount:     "UF_CRM_1726207809637",
			LiveOrderCount: "UF_CRM_1730182877",
			TotalWeight:    "UF_CRM_1726837773968",
			TotalAmount:    "UF_CRM_1726837761251",
			NameTranslit:   "UF_CRM_1730093824027",
			City:           "UF_CRM_1723542816833",
			PersonalCode:   "UF_CRM_1726123664764",
		},
		OrderIntake: OrderIntake{
			CategoryID:       8,
			HubArrivedStages: []string{"C8:EXECUTING"},
		},
		Pipelines: []Pipeline{
			{
				Name:             "ПВ Астана №1",
				CategoryID:       0,
				PickupCode:       "pv_astana_1",
				PickupFieldValue: "48",
				Location:         "г.Астана, ПВ №1",
				Stages:           Stages{Arrived: "NEW", AwaitingPickup: "UC_MJZYDP", Archive: "LOSE", Issued: "WON"},
			},
			{
				Name:             "ПВ Астана №2",
				CategoryID:       2,
				PickupCode:       "pv_astana_2",
				PickupFieldValue: "50",
				Location:         "г.Астана, ПВ №2",
				Stages:           Stages{Arrived: "C2:NEW", AwaitingPickup: "C2:UC_8EQX6X", Archive: "C2:LOSE", Issued: "C2:WON"},
			},
			{
				Name:             "ПВ Караганда №1",
				CategoryID:       4,
				PickupCode:       "pv_karaganda_1",
				PickupFieldValue: "52",
				Location:         "г.Караганда, ПВ №1",
				Stages:           Stages{Arrived: "C4:NEW", AwaitingPickup: "C4:UC_VOLZYJ", Archive: "C4:LOSE", Issued: "C4:WON"},
			},
			{
				Name:             "ПВ Караганда №2",
				CategoryID:       6,
				PickupCode:       "pv_karaganda_2",
				PickupFieldValue: "54",
				Location:         "г.Караганда, ПВ №2",
				Stages:           Stages{Arrived: "C6:NEW", AwaitingPickup: "C6:UC_VEHS4L", Archive: "C6:LOSE", Issued: "C6:WON"},
			},
		},
		FollowUp: FollowUp{
			DeadlineDays:  3,
			ResponsibleID: 1,
			TitleFormat:   "Посылка %s на складе без регистрации",
		},
		FinalTitlePrefix: "Итоговая сделка",
	}
}

func (s *Schema) PipelineByCategory(categoryID int64) (Pipeline, bool) {
	for _, p := range s.Pipelines {
		if p.CategoryID == categoryID {
			return p, true
		}
	}
	return Pipeline{}, false
}

func (s *Schema) PipelineByPickupCode(code string) (Pipeline, bool) {
	code = strings.TrimSpace(code)
	for _, p := range s.Pipelines {
		if p.PickupCode == code {
			return p, true
		}
	}
	return Pipeline{}, false
}

// PickupFieldValue maps a customer's pickup code to the CRM list value.
func (s *Schema) PickupFieldValue(code string) string {
	if p, ok := s.PipelineByPickupCode(code); ok {
		return p.PickupFieldValue
	}
	return ""
}

func (s *Schema) IsOrderIntake(categoryID int64) bool {
	return categoryID == s.OrderIntake.CategoryID
}

func (s *Schema) IsAwaitingPickupStage(stageID string) bool {
	return s.anyStage(stageID, func(st Stages) string { return st.AwaitingPickup })
}

func (s *Schema) IsArrivedStage(stageID string) bool {
	return s.anyStage(stageID, func(st Stages) string { return st.Arrived })
}

func (s *Schema) IsIssuedStage(stageID string) bool {
	return s.anyStage(stageID, func(st Stages) string { return st.Issued })
}

func (s *Schema) IsArchiveStage(stageID string) bool {
	return s.anyStage(stageID, func(st Stages) string { return st.Archive })
}

func (s *Schema) IsHubArrivedStage(stageID string) bool {
	for _, st := range s.OrderIntake.HubArrivedStages {
		if st == stageID {
			return true
		}
	}
	return false
}

func (s *Schema) anyStage(stageID string, pick func(Stages) string) bool {
	if stageID == "" {
		return false
	}
	for _, p := range s.Pipelines {
		if pick(p.Stages) == stageID {
			return true
		}
	}
	return false
}

// FollowUpTitle renders the follow-up task title for a track number.
func (s *Schema) FollowUpTitle(trackNumber string) string {
	if strings.Contains(s.FollowUp.TitleFormat, "%s") {
		return fmt.Sprintf(s.FollowUp.TitleFormat, trackNumber)
	}
	return s.FollowUp.TitleFormat + " " + trackNumber
}

// FinalTitle is the title of an aggregated deal.
func (s *Schema) FinalTitle(dealTitle string) string {
	return s.FinalTitlePrefix + ": " + dealTitle
}

// Validate checks cross-field rules the JSON schema cannot express.
func (s *Schema) Validate() error {
	if len(s.Pipelines) == 0 {
		return fmt.Errorf("tenant: at least one pipeline is required")
	}
	categories := map[int64]struct{}{s.OrderIntake.CategoryID: {}}
	codes := map[string]struct{}{}
	for _, p := range s.Pipelines {
		if _, dup := categories[p.CategoryID]; dup {
			return fmt.Errorf("tenant: duplicate category id %d", p.CategoryID)
		}
		categories[p.CategoryID] = struct{}{}
		if _, dup := codes[p.PickupCode]; dup {
			return fmt.Errorf("tenant: duplicate pickup code %q", p.PickupCode)
		}
		codes[p.PickupCode] = struct{}{}
	}
	if s.FollowUp.DeadlineDays < 0 {
		return fmt.Errorf("tenant: follow_up.deadline_days must not be negative")
	}
	return nil
}
