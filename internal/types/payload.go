package types

// GameResponse is the envelope returned by the game API's guild endpoint.
type GameResponse struct {
	Result *SnapshotPayload `json:"result"`
}

// SnapshotPayload is one point-in-time view of a guild and its roster.
type SnapshotPayload struct {
	Guild   *GuildPayload   `json:"guild" validate:"required"`
	Members []MemberPayload `json:"members" validate:"required,min=1,dive"`
}

// GuildPayload mirrors the game's guild object. Fields the service does not
// persist are ignored at decode time.
type GuildPayload struct {
	ID                 int64      `json:"id" validate:"required,gt=0"`
	Name               string     `json:"name"`
	Slogan             string     `json:"slogan"`
	Rank               int64      `json:"rank"`
	Icon               FlexString `json:"icon"`
	CreatedOn          GameTime   `json:"created_on"`
	IsQAGuild          FlexBool   `json:"is_qa_guild"`
	MinMight           int64      `json:"min_might"`
	Influence          int64      `json:"influence"`
	AutoAcceptRequests FlexBool   `json:"auto_accept_requests"`
	InternalMessage    string     `json:"internal_message"`
	MembersCount       int        `json:"members_count"`
	AveragePower       float64    `json:"average_power"`
	SummaryPower       int64      `json:"summary_power"`
	MaxSummaryPower    int64      `json:"max_summary_power"`
	PinnedMessage      string     `json:"pinned_message"`
	GameServer         FlexString `json:"game_server"`
	CurrentMembers     int        `json:"current_members"`
	CurrentOfficers    int        `json:"current_officers"`
	RequestID          FlexString `json:"request_id"`
	InviteID           FlexString `json:"invite_id"`
	Place              int        `json:"place"`
	OldPlace           int        `json:"old_place"`
	RatingPoints       int64      `json:"rating_points"`
}

// MemberPayload mirrors one entry of the game's members array.
type MemberPayload struct {
	ProfileID         int64         `json:"profile_id" validate:"required,gt=0"`
	NameBit           MemberNameBit `json:"NameBit"`
	JoinedOn          GameTime      `json:"joined_on"`
	Role              FlexString    `json:"role"`
	WasGuildMaster    FlexBool      `json:"was_guild_master"`
	LockedGWTill      GameTime      `json:"locked_gw_till"`
	LockedGSTill      GameTime      `json:"locked_gs_till"`
	LockedRegattaTill GameTime      `json:"locked_regatta_till"`
	LockedGFTill      GameTime      `json:"locked_gf_till"`
	CreatedOn         GameTime      `json:"created_on"`
	Type              FlexString    `json:"type"`
	SummaryPower      int64         `json:"summary_power"`
	SpentElixir       int64         `json:"spent_elixir"`
	RemainingPower    int64         `json:"remaining_power"`
	GuildMight        int64         `json:"guild_might"`
	Fame              int64         `json:"fame"`
	GameServer        FlexString    `json:"game_server"`
	LastVisit         GameTime      `json:"last_visit"`
	WarlordID         FlexString    `json:"warlord_id"`
	WarlordPromote    FlexString    `json:"warlord_promote"`
}

// MemberNameBit is the game's nested display block for a member.
type MemberNameBit struct {
	Name            string     `json:"Name"`
	Prefix          string     `json:"Prefix"`
	Country         FlexString `json:"Country"`
	FrameID         int64      `json:"frameId"`
	MedalID         int64      `json:"medalId"`
	TimeZone        FlexString `json:"TimeZone"`
	MedalValue      int64      `json:"medalValue"`
	ChosenLanguage  string     `json:"ChoosenLanguage"`
	CountryIsStatic FlexBool   `json:"CountryIsStatic"`
}

// TotalDeployedPower sums summary_power across the roster.
func (p *SnapshotPayload) TotalDeployedPower() int64 {
	var total int64
	for i := range p.Members {
		total += p.Members[i].SummaryPower
	}
	return total
}

// TotalSpentElixir sums spent_elixir across the roster.
func (p *SnapshotPayload) TotalSpentElixir() int64 {
	var total int64
	for i := range p.Members {
		total += p.Members[i].SpentElixir
	}
	return total
}
