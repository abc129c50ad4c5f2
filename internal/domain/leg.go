package domain

// Direction is the side of a leg from the bot's point of view.
type Direction string

const (
	DirectionBuy       Direction = "buy"       // pay quote, receive base at Ask
	DirectionSell      Direction = "sell"      // pay base, receive quote at Bid
	DirectionLiquidate Direction = "liquidate" // repay debt, seize collateral
)

// Leg is one step of an opportunity's execution path.
type Leg struct {
	Venue     string
	Pair      Pair
	Direction Direction
	Amount    float64 // base units
	Price     float64 // expected execution price, quote per base
	Liquidity float64 // venue depth observed at discovery
	Borrower  string  // liquidation legs only
}

// Notional is the leg's size in quote terms.
func (l Leg) Notional() float64 { return l.Amount * l.Price }

// pathToken is the venue-independent identity of a leg.
func (l Leg) pathToken() string {
	return string(l.Direction) + ":" + l.Pair.String()
}
