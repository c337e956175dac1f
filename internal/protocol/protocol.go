// Package protocol defines the wire framing and the command codes spoken
// between game clients, the gateway and square hosts. Every packet is
// little-endian: a u16 total size (header included), the constant packet
// type 0x55E0, a u16 command and the command payload.
package protocol

// Framing.
const (
	HeaderSize = 6
	PacketType = 0x55E0
)

// Hard limits shared by gateway and squares.
const (
	MaxSessions   = 200
	MaxSquares    = 25
	MaxStages     = 1000
	MaxCharacters = 32
)

// Commands sent by game clients to the gateway.
const (
	MsgClientHash        = 0xAA41
	MsgLogin             = 0xBA09
	MsgCharacterLicense  = 0x022C
	MsgCharacterList     = 0xDC2C
	MsgCreateCharacter   = 0xC96E
	MsgDeleteCharacter   = 0x899F
	MsgSelectCharacter   = 0x356E
	MsgDeselectCharacter = 0xF2AD
	MsgDisconnect        = 0xDD83
	MsgPing              = 0x482F
	MsgSquareList        = 0x3A10
	MsgSquareSelect      = 0x7AE9
	MsgSquareDetails     = 0xB98B
)

// Commands on the gateway <-> square control link.
const (
	MsgSquareAuth        = 0x0001
	MsgSquareUpdate      = 0x0002
	MsgSquareSessionInfo = 0x0003
)

// Commands sent by game clients to a square host.
const (
	MsgCharacterInfo     = 0x3DDA
	MsgMove              = 0xE28D
	MsgSetAction         = 0x4228
	MsgLoadEncryptionKey = 0x5E71
	MsgLoadAuthenticate  = 0x7260
	MsgLoadProgress      = 0x81B6
	MsgLoadDone          = 0xB98B
	MsgGetBagItems       = 0x2CF3
	MsgBagList           = 0xFA8D
	MsgGetBankItems      = 0x5190
	MsgChat              = 0x6FB9
	MsgGetQuickSlots     = 0x0E0F
	MsgSkillsList        = 0x7414
	MsgShopEnter         = 0x1091
	MsgShopLeave         = 0xD0F0
	MsgShopBuy           = 0x1208
	MsgShopSell          = 0xABB3
	MsgBankDeposit       = 0xF3CB
	MsgBankWithdraw      = 0x3D0B
	MsgBankMove          = 0xE29D
	MsgNPCCreate         = 0xB56C
	MsgStageRoster       = 0x831F
	MsgSquareInfo        = 0xE9FD
	MsgStageChange       = 0x7260
)

// Serialized list and object tags. These appear inside payloads ahead of
// the structures they describe and the client matches them exactly.
const (
	HashListCharacters  = 0x393CAF2B
	HashCharLicenses    = 0x393C883E
	HashEquipment       = 0x393CD166
	HashStageLicenses   = 0x393CE8F3
	HashSquares         = 0x393CDC25
	HashListBagItems    = 0x393CEE31
	HashBankItems       = 0x393C882D
	HashQuickSlots      = 0x393CC9EC
	HashPassiveItems    = 0x393C9E59
	HashStateFlags      = 0x393C1276
	HashSquareLicenses  = 0x393C61D4
	HashBagList         = 0x393CE1CC
	HashBankVault       = 0x393CCDE9
	HashSkills          = 0x393C1A96
	HashObjCharacter    = 0xBC715362
	HashObjNewCharacter = 0xBC713DDA
	HashObjEquipment    = 0x13D35362
	HashObjSquare       = 0xA7AD5362
	HashBagLicense      = 0xDAA95362
	HashDateConnected   = 0x1769F8F2
	HashDateLastPlayed  = 0x17691AC9
	HashDateBagExpires  = 0x1769D5AF
	HashEquipTrailer    = 0x613E5DCA
	HashStageGroup      = 0x529E424F
	HashStageList       = 0x393C107A
)

// Well-known stage group ids.
const (
	StageGroupSquare = 0x0330A106
)

// Login failure codes.
const (
	LoginErrNotFound        = 1
	LoginErrInvalidPassword = 2
	LoginErrAccountDeleted  = 3
	LoginErrAccountBlocked  = 4
	LoginErrAlreadyInLobby  = 5
	LoginErrAlreadyInSquare = 6
)

// Character operation failure codes.
const (
	CreateErrNameTaken = 1
	CreateErrFailed    = 4
	DeleteErrNotFound  = 1
	SelectErrCancel    = 1
)

// Square selection failure codes.
const (
	SquareErrFull     = 5
	SquareErrNotFound = 7
)

// Session resolution result codes on the control link.
const (
	SessionOK       = 0
	SessionNotFound = 1
)

// Stage join results.
const (
	StageOK            = 0
	StageErrFull       = 1
	StageErrUnknown    = 2
	StageErrPlayerGone = 3
	StageErrClosed     = 4
)

// Square load status tiers advertised in the lobby list.
const (
	StatusSmooth  = 1
	StatusAverage = 2
	StatusBusy    = 3
	StatusFull    = 4
)

// Square categories.
const (
	SquareNormal = 0
)

// Action states used by movement dead reckoning.
const (
	ActIdle = 0x01327338
	ActRun  = 0x00004E0D
	ActDash = 0x0002CBF3
)
